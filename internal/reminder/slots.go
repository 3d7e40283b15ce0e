// Package reminder derives expiry reminder times from products and category
// settings, and keeps the delivery backend in step with them.
package reminder

import (
	"fmt"
	"time"

	"github.com/msageha/bestbefore/internal/model"
)

// Slot is one reminder: DaysBefore calendar days before expiry, at TriggerAt.
type Slot struct {
	DaysBefore int
	TriggerAt  time.Time
}

// Offsets returns the distinct days-before values for reminderDays, with
// reminderDays first and the day-before reminder last.
func Offsets(reminderDays int) []int {
	if reminderDays == 1 {
		return []int{1}
	}
	return []int{reminderDays, 1}
}

// Slots computes the future reminder slots of p. Dates are subtracted as
// calendar days in loc and each offset fires at every ReminderHours hour.
// Slots at or before now are dropped.
func Slots(p model.Product, reminderDays int, now time.Time, loc *time.Location) ([]Slot, error) {
	if loc == nil {
		loc = time.Local
	}
	if reminderDays < 0 {
		return nil, fmt.Errorf("negative reminder days %d", reminderDays)
	}
	expiry, err := p.Expiry(loc)
	if err != nil {
		return nil, err
	}

	var slots []Slot
	for _, d := range Offsets(reminderDays) {
		y, m, day := expiry.Date()
		for _, h := range model.ReminderHours {
			at := time.Date(y, m, day-d, h, 0, 0, 0, loc)
			if !at.After(now) {
				continue
			}
			slots = append(slots, Slot{DaysBefore: d, TriggerAt: at})
		}
	}
	return slots, nil
}

// Body is the notification text for a reminder d days before expiry.
func Body(name string, d int) string {
	if d == 1 {
		return name + " expires tomorrow!"
	}
	return fmt.Sprintf("%s expires in %d days", name, d)
}

// Notification builds the notification for slot s of p.
func Notification(p model.Product, s Slot) model.ScheduledNotification {
	return model.ScheduledNotification{
		NotificationContent: model.NotificationContent{
			Title: model.ReminderTitle,
			Body:  Body(p.Name, s.DaysBefore),
			Data: model.NotificationData{
				ProductID:  p.ID,
				Category:   p.Category,
				DaysBefore: s.DaysBefore,
			},
		},
		TriggerAt: s.TriggerAt.UTC().Format(model.TimestampFormat),
	}
}
