package broker

// queueKeys are the Redis keys of one queue. They share the {queue} hash tag
// so every script touches a single cluster slot.
type queueKeys struct {
	ready      string // list of message ids
	inflight   string // zset: message id -> visibility deadline (ms)
	deliveries string // hash: message id -> delivery count
	receipts   string // hash: message id -> current receipt
	bodies     string // hash: message id -> payload
	dead       string // zset: message id -> dead-lettered at (ms)
	reasons    string // hash: message id -> dead-letter reason
}

func keysFor(queue string) queueKeys {
	p := "broker:{" + queue + "}:"
	return queueKeys{
		ready:      p + "ready",
		inflight:   p + "inflight",
		deliveries: p + "deliveries",
		receipts:   p + "receipts",
		bodies:     p + "bodies",
		dead:       p + "dead",
		reasons:    p + "reasons",
	}
}

func (k queueKeys) all() []string {
	return []string{k.ready, k.inflight, k.deliveries, k.receipts, k.bodies, k.dead, k.reasons}
}
