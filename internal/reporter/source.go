package reporter

import (
	"context"

	"modelfetch/internal/dom"
	"modelfetch/internal/sse"
)

// Element is a UI node the reporter writes into.
type Element interface {
	SetInnerHTML(markup string)
	SetStyle(property, value string)
}

// Root looks elements up by id.
type Root interface {
	Lookup(id string) (Element, bool)
}

// Subscription is one open event stream.
type Subscription interface {
	Close()
}

// Source opens event streams. onEvent receives message payloads in the
// order the server sent them; onError is called at most once.
type Source interface {
	Subscribe(ctx context.Context, url string, onEvent func(data []byte), onError func(err error)) Subscription
}

// DocumentRoot exposes a dom.Document as a Root.
func DocumentRoot(doc *dom.Document) Root {
	return documentRoot{doc: doc}
}

type documentRoot struct{ doc *dom.Document }

func (d documentRoot) Lookup(id string) (Element, bool) {
	el, err := d.doc.Query(id)
	if err != nil {
		return nil, false
	}
	return el, true
}

// SSESource opens streams with an sse.Client.
func SSESource(c *sse.Client) Source {
	return sseSource{c: c}
}

type sseSource struct{ c *sse.Client }

func (s sseSource) Subscribe(ctx context.Context, url string, onEvent func([]byte), onError func(error)) Subscription {
	return s.c.Subscribe(ctx, url, func(ev sse.Event) {
		onEvent([]byte(ev.Data))
	}, onError)
}
