package ports

import "torrentresume/internal/domain"

type EventPublisher interface {
	Publish(ev domain.Event)
}
