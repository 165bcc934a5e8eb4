// Package messaging implements the encrypted message envelope and
// everything that travels inside it: text (with chunking for large
// bodies), edits and deletions with their authorization window, emoji
// reactions, profile version gossip, and the payload pass-through for
// file transfer and call signaling.
//
// Every envelope plaintext is {"t":"MSG","data":{...}} where data carries
// a typed payload from a closed union; unknown payload types are dropped
// at decode. The Courier seals envelopes through the crypto worker and
// ships them as relay frames tagged with this device's sender hash.
package messaging
