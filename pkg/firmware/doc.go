// Package firmware loads overlay blobs for the overlay package.
//
// Loader searches local directories the way the kernel firmware loader
// does: each search path is tried in order, and for every path the plain
// name is tried before the compressed name.zst and name.gz variants.
// SFTPLoader fetches "sftp://" names from a remote host over SSH, and Mux
// routes between the two.
//
// Every loader tracks the images it handed out; Outstanding reports those not
// yet released, which makes leaked blobs visible in tests and at shutdown.
package firmware
