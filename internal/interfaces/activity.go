package interfaces

import "github.com/ternarybob/snapload/internal/models"

// ActivityPublisher fans job activity out to live subscribers.
// Publish must not block the caller.
type ActivityPublisher interface {
	Publish(activity models.JobActivity)
}
