package queue

import (
	"errors"

	"github.com/kestrelhq/kestrel/internal/coordinator/models"
	"github.com/kestrelhq/kestrel/internal/coordinator/store"
	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/events/bus"
)

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func busSessionUpdated(session *models.Session) bus.Message {
	return bus.SessionMessage(events.SessionUpdated, session)
}

func busEventAppended(event *models.Event) bus.Message {
	return bus.EventMessage(event)
}
