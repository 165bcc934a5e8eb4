// Package file implements pull-based chunked file transfer over the
// encrypted envelope.
//
// The owner announces a file with FILE_INFO; the receiver decides when to
// download and requests chunks from a start index, which lets interrupted
// downloads resume from whatever complete chunks already sit on disk. The
// owner then streams every remaining chunk at bulk priority so messages
// and call signaling overtake the transfer.
//
// A chunk that cannot be written because the disk is full moves the media
// record to a terminal error status; a later retry derives its resume
// point from the bytes that made it to disk.
package file
