// Package control defines the message protocol spoken between the
// supervisor, its workers, and the ganymede ctl client.
//
// Messages travel over a local unix stream socket as length-delimited
// JSON frames: a 4-byte big-endian length prefix followed by the frame
// body. Every order carries a generated request ID and is answered by
// one or more Ack frames bearing the same ID; a "processing" Ack may
// precede the final "ok" or "error". Orders are applied strictly in
// arrival order per worker.
//
// Listening-socket descriptors ride alongside transfer_listener frames
// as SCM_RIGHTS ancillary data, so a worker can inherit an open socket
// without ever binding one itself.
package control
