package progress

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSSink publishes every snapshot as JSON on a subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

func DialNATS(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("c4solve"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	log.Info().Str("subject", subject).Msg("publishing-progress-to-nats")
	return &NATSSink{nc: nc, subject: subject}, nil
}

func (s *NATSSink) Publish(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		return err
	}
	return s.nc.LastError()
}

// Close flushes anything pending and closes the connection.
func (s *NATSSink) Close() error {
	if err := s.nc.Flush(); err != nil {
		s.nc.Close()
		return err
	}
	s.nc.Close()
	return nil
}
