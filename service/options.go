package service

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"voting-audit/blockchain"
)

// SerialSource mints candidate serial numbers.
type SerialSource func() (string, error)

// RandomSerial returns 16 uppercase hex characters from crypto/rand.
func RandomSerial() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}

type options struct {
	anchor   blockchain.Anchor
	enqueuer Enqueuer
	metrics  *Metrics
	log      zerolog.Logger
	now      func() time.Time
	serials  SerialSource
}

// Option configures a VoteLedger or PrintQueueEngine. Options that do not
// apply to a component are ignored by it.
type Option func(*options)

func WithAnchor(a blockchain.Anchor) Option {
	return func(o *options) { o.anchor = a }
}

// WithEnqueuer queues every successful cast for printing.
func WithEnqueuer(e Enqueuer) Option {
	return func(o *options) { o.enqueuer = e }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithSerialSource(s SerialSource) Option {
	return func(o *options) { o.serials = s }
}

func buildOptions(opts []Option) options {
	o := options{
		log:     zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
		serials: RandomSerial,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o
}
