package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// callLog records collaborator calls in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.all() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeBlob struct {
	name string
	data []byte
}

func (b *fakeBlob) Bytes() []byte { return b.data }

type fakeFirmware struct {
	log      *callLog
	blobs    map[string][]byte
	released int
}

func (f *fakeFirmware) Request(ctx context.Context, name string) (Blob, error) {
	f.log.add("request(%s)", name)
	data, ok := f.blobs[name]
	if !ok {
		return nil, fmt.Errorf("firmware %s: %w", name, errNotFound)
	}
	return &fakeBlob{name: name, data: data}, nil
}

func (f *fakeFirmware) Release(blob Blob) {
	f.released++
	f.log.add("release_blob(%s)", blob.(*fakeBlob).name)
}

var errNotFound = errors.New("not found")

type codedErr struct {
	code int
}

func (e *codedErr) Error() string { return fmt.Sprintf("engine error %d", e.code) }
func (e *codedErr) Code() int     { return e.code }

type fakeTree struct {
	source   string
	detached bool
}

func (t *fakeTree) MarkDetached() { t.detached = true }

// fakeEngine fails the step named by the blob content.
type fakeEngine struct {
	log       *callLog
	nextID    int
	removeErr error
	trees     []*fakeTree
	sizes     []int
	released  int
	removed   []int
}

func (e *fakeEngine) Unflatten(ctx context.Context, data []byte) (Tree, error) {
	e.log.add("unflatten(%s)", data)
	if string(data) == "corrupt" {
		return nil, &codedErr{code: -22}
	}
	t := &fakeTree{source: string(data)}
	e.trees = append(e.trees, t)
	if t.source == "partial" {
		return t, &codedErr{code: -22}
	}
	return t, nil
}

func (e *fakeEngine) Resolve(ctx context.Context, tree Tree) error {
	t := tree.(*fakeTree)
	e.log.add("resolve(%s)", t.source)
	if t.source == "unresolved" {
		return &codedErr{code: -2}
	}
	return nil
}

func (e *fakeEngine) Apply(ctx context.Context, tree Tree, sizeHint int) (int, error) {
	t := tree.(*fakeTree)
	e.log.add("apply(%s)", t.source)
	e.sizes = append(e.sizes, sizeHint)
	if t.source == "conflict" {
		return 0, &codedErr{code: -16}
	}
	id := e.nextID
	e.nextID++
	return id, nil
}

func (e *fakeEngine) Remove(ctx context.Context, id int) error {
	e.log.add("remove(%d)", id)
	e.removed = append(e.removed, id)
	return e.removeErr
}

func (e *fakeEngine) ReleaseTree(tree Tree) {
	e.released++
	e.log.add("release_tree(%s)", tree.(*fakeTree).source)
}

type fakeJournal struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (j *fakeJournal) Record(ctx context.Context, ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return j.err
}

func (j *fakeJournal) kinds() []EventKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	kinds := make([]EventKind, 0, len(j.events))
	for _, ev := range j.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

type fakeObserver struct {
	created   int
	destroyed int
	steps     map[Step]int
	failures  map[Step]int
	writes    int
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{steps: make(map[Step]int), failures: make(map[Step]int)}
}

func (o *fakeObserver) InstanceCreated()   { o.created++ }
func (o *fakeObserver) InstanceDestroyed() { o.destroyed++ }
func (o *fakeObserver) StepCompleted(step Step, d time.Duration, err error) {
	o.steps[step]++
	if err != nil {
		o.failures[step]++
	}
}
func (o *fakeObserver) WriteCompleted(err error) { o.writes++ }

type fixture struct {
	log      *callLog
	firmware *fakeFirmware
	engine   *fakeEngine
	journal  *fakeJournal
	observer *fakeObserver
}

func newFixture(firstID int) *fixture {
	log := &callLog{}
	return &fixture{
		log: log,
		firmware: &fakeFirmware{
			log: log,
			blobs: map[string][]byte{
				"valid.dtbo":      []byte("valid"),
				"other.dtbo":      []byte("other"),
				"corrupt.dtbo":    []byte("corrupt"),
				"unresolved.dtbo": []byte("unresolved"),
				"conflict.dtbo":   []byte("conflict"),
				"partial.dtbo":    []byte("partial"),
			},
		},
		engine:   &fakeEngine{log: log, nextID: firstID},
		journal:  &fakeJournal{},
		observer: newFakeObserver(),
	}
}

func (f *fixture) config() Config {
	return Config{
		Firmware: f.firmware,
		Engine:   f.engine,
		Journal:  f.journal,
		Observer: f.observer,
	}
}
