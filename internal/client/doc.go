// Package client provides a Go client for a running Parley web server.
//
// The client behaves like a browser tab: it keeps the session cookie in a
// cookie jar and the session identifier in the query string of every API
// call, following the server back to the canonical page when the link
// goes stale.
//
// # Basic Usage
//
//	c := client.New("http://localhost:8080")
//	if _, err := c.Open(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	reply, err := c.SendAndWait(ctx, "¿Qué dice Juan 3:16?")
//
// # Event Stream
//
// Connect subscribes to the conversation. The first callback is always
// OnSnapshot; turns that were already in the snapshot may be delivered
// again through OnTurn and should be deduplicated by ID.
//
//	ev, err := c.Connect(ctx, client.EventCallbacks{
//	    OnTurn: func(t client.Turn) { fmt.Println(t.Role, t.Text) },
//	})
//	defer ev.Close()
//
// Callbacks run on the stream's read goroutine.
package client
