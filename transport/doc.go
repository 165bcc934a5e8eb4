// Package transport defines the relay frame model and the duplex channel
// used to exchange frames with the relay server.
//
// A Frame is the outer transport unit: a small JSON object selected by its
// type tag, optionally carrying a session id, an opaque data object, a
// delivery priority and a sender-identity hash. The engine only depends on
// the Transport interface; WS is the default implementation, a reconnecting
// WebSocket client.
//
// Example:
//
//	ws := transport.NewWS("wss://relay.example.com")
//	ws.OnFrame(func(f *transport.Frame) {
//	    fmt.Println("frame:", f.T)
//	})
//	if err := ws.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
package transport
