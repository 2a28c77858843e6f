package services

import (
	"slices"
	"strings"
	"time"

	domain "github.com/medina-market/api/internal/domain"
)

// customerCancellableStatuses is the window in which customers may cancel their own orders.
var customerCancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusConfirmed,
}

// historyChange describes one requested change to an order's status history.
type historyChange struct {
	status   domain.OrderStatus
	note     string
	location string
	actor    string
	at       time.Time
}

// applyStatusChange moves the order to change.status and appends a history entry when the status
// changes or a note or location accompanies it. It reports whether the status changed and whether
// anything was appended. History is never rewritten.
func applyStatusChange(order *Order, change historyChange) (statusChanged bool, appended bool) {
	note := strings.TrimSpace(change.note)
	location := strings.TrimSpace(change.location)
	statusChanged = order.Status != change.status
	if !statusChanged && note == "" && location == "" {
		return false, false
	}

	order.Status = change.status
	order.StatusHistory = append(order.StatusHistory, domain.StatusHistoryEntry{
		Status:    change.status,
		Timestamp: change.at,
		Note:      note,
		Location:  location,
		Actor:     strings.TrimSpace(change.actor),
	})
	order.UpdatedAt = change.at

	if statusChanged {
		switch change.status {
		case domain.OrderStatusDelivered:
			if order.ActualDelivery == nil {
				at := change.at
				order.ActualDelivery = &at
			}
		case domain.OrderStatusCancelled:
			if order.CancelledAt == nil {
				at := change.at
				order.CancelledAt = &at
			}
		}
	}
	return statusChanged, true
}

func customerMayCancel(status domain.OrderStatus) bool {
	return slices.Contains(customerCancellableStatuses, status)
}

// markLastNotified flags the newest history entry when it still records status.
func markLastNotified(order *Order, status domain.OrderStatus) bool {
	if len(order.StatusHistory) == 0 {
		return false
	}
	last := &order.StatusHistory[len(order.StatusHistory)-1]
	if last.Status != status || last.NotificationSent {
		return false
	}
	last.NotificationSent = true
	return true
}

// addBusinessDays skips Saturdays and Sundays.
func addBusinessDays(from time.Time, days int) time.Time {
	current := from
	for added := 0; added < days; {
		current = current.AddDate(0, 0, 1)
		if wd := current.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		added++
	}
	return current
}
