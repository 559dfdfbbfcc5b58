package overlay

// owned holds a resource together with the function that releases it.
// release runs at most once no matter how many times Release is called.
type owned[T any] struct {
	value   T
	release func(T)
	held    bool
}

func acquire[T any](value T, release func(T)) owned[T] {
	return owned[T]{value: value, release: release, held: true}
}

// Held reports whether the resource is still owned.
func (o *owned[T]) Held() bool {
	return o.held
}

// Get returns the owned value. It is the zero value once released.
func (o *owned[T]) Get() T {
	return o.value
}

// Release frees the resource if it is still held.
func (o *owned[T]) Release() {
	if !o.held {
		return
	}
	v := o.value
	var zero T
	o.value = zero
	o.held = false
	if o.release != nil {
		o.release(v)
	}
}
