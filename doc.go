// Package courier is a client for courier message brokers. It provides
// subject-based publish/subscribe with queue groups, request/reply, and a
// connection that transparently reconnects and replays its subscriptions.
//
// A minimal consumer:
//
//	conn, err := courier.Connect("cmq://localhost:4747")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	sub, err := conn.Subscribe("orders.*", func(m *courier.Msg) {
//	    log.Printf("received %s: %s", m.Subject, m.Data)
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sub.Unsubscribe()
//
// Publishing is fire-and-forget:
//
//	if err := conn.Publish("orders.created", payload); err != nil {
//	    log.Fatal(err)
//	}
//
// Request/reply rides on top of publish/subscribe using generated inbox
// subjects:
//
//	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
//	defer cancel()
//	resp, err := conn.Request(ctx, "orders.lookup", []byte("42"))
//
// Connection lifecycle can be observed through handlers (WithConnectHandler
// and friends) or, without callbacks, through the event stream:
//
//	w := conn.Events()
//	for {
//	    ev, err := w.Next(ctx)
//	    if err != nil {
//	        break
//	    }
//	    log.Printf("connection event: %s", ev.Kind)
//	}
package courier
