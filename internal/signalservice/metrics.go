package signalservice

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts cipher operations.
type Metrics struct {
	encrypts *prometheus.CounterVec
	decrypts *prometheus.CounterVec
}

// NewMetrics creates the cipher counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		encrypts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_keystore_encrypt_total",
				Help: "Number of encrypted messages by envelope type or error kind",
			},
			[]string{"type"},
		),
		decrypts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_keystore_decrypt_total",
				Help: "Number of decrypted envelopes by result",
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.encrypts, m.decrypts)
	}
	return m
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	kind := ErrorKindInternal
	if pe := AsProtocolError(err); pe != nil {
		kind = pe.Kind
	}
	return strings.ReplaceAll(kind.String(), " ", "_")
}

func (m *Metrics) encrypted(typ EnvelopeType, err error) {
	if m == nil {
		return
	}
	label := resultLabel(err)
	if err == nil {
		label = typ.String()
	}
	m.encrypts.WithLabelValues(label).Inc()
}

func (m *Metrics) decrypted(err error) {
	if m == nil {
		return
	}
	m.decrypts.WithLabelValues(resultLabel(err)).Inc()
}
