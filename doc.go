// Package relaychat is the client-side engine of an end-to-end encrypted
// chat application. Peers meet through a relay that forwards opaque
// frames; everything inside a frame is sealed with a session key derived
// from an ECDH handshake, so the relay never sees plaintext.
//
// The Client composition root owns the SQLite store, the crypto worker,
// the durable inbound queue and the messaging, file transfer and call
// services. Applications drive it through the action methods and consume
// the typed event stream from Events.
//
// A minimal session looks like:
//
//	opts := relaychat.NewOptions()
//	opts.RelayURL = "wss://relay.example.com/ws"
//	opts.DataDir = dir
//	client, err := relaychat.New(opts)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//	if err := client.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	for event := range client.Events() {
//		switch e := event.(type) {
//		case relaychat.MessageEvent:
//			fmt.Println(e.Message.Text)
//		}
//	}
package relaychat
