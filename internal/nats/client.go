package nats

import (
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	StreamName  = "TEAMS"
	StreamSubj  = "TEAMS.*"
	MessageSend = "TEAMS.send"
)

// Setup connects to NATS and makes sure the TEAMS stream exists.
func Setup(natsURL string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(natsURL, nats.Name("teams-messenger"))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "error connecting to NATS at %s", natsURL)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, errors.Wrap(err, "error creating JetStream context")
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{StreamSubj},
	})
	if err != nil {
		logrus.WithError(err).Warn("Could not create stream (it likely already exists)")
	}

	return nc, js, nil
}
