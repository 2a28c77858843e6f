package services

import (
	domain "github.com/medina-market/api/internal/domain"
)

// trackingSteps is the fixed customer-facing progression.
var trackingSteps = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusConfirmed,
	domain.OrderStatusProcessing,
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
}

// ComputeTrackingTimeline builds the five-step progress view. Each step takes the timestamp of
// the first history entry with that status. For cancelled orders only steps present in history
// count as completed.
func ComputeTrackingTimeline(order Order) domain.TrackingTimeline {
	currentIdx := -1
	for i, status := range trackingSteps {
		if status == order.Status {
			currentIdx = i
		}
	}

	timeline := domain.TrackingTimeline{
		Steps:     make([]domain.TrackingStep, 0, len(trackingSteps)),
		Cancelled: order.Status == domain.OrderStatusCancelled,
	}
	for i, status := range trackingSteps {
		step := domain.TrackingStep{Status: status, Current: status == order.Status}
		reachedInHistory := false
		for _, entry := range order.StatusHistory {
			if entry.Status == status {
				ts := entry.Timestamp
				step.Timestamp = &ts
				step.Note = entry.Note
				step.Location = entry.Location
				reachedInHistory = true
				break
			}
		}
		if currentIdx >= 0 {
			step.Completed = i <= currentIdx
		} else {
			step.Completed = reachedInHistory
		}
		if step.Completed {
			timeline.CompletedSteps++
		}
		timeline.Steps = append(timeline.Steps, step)
	}
	timeline.PercentComplete = timeline.CompletedSteps * 100 / len(trackingSteps)
	return timeline
}
