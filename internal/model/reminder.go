package model

// DefaultReminderDays applies to products whose category has no override.
const DefaultReminderDays = 3

// ReminderHours are the local hours of day at which each reminder offset fires.
var ReminderHours = [...]int{12, 20}

// ReminderTitle is the title of every expiry notification.
const ReminderTitle = "Expiry Reminder"

type CategoryReminderSetting struct {
	ID           string `json:"id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	CategoryName string `json:"category_name" validate:"required,max=100"`
	ReminderDays int    `json:"reminder_days" validate:"gte=0,lte=365"`
}

type NotificationData struct {
	ProductID  string `json:"productId"`
	Category   string `json:"category"`
	DaysBefore int    `json:"daysBefore"`
}

type NotificationContent struct {
	Title string           `json:"title"`
	Body  string           `json:"body"`
	Data  NotificationData `json:"data"`
}

type ScheduledNotification struct {
	NotificationContent
	TriggerAt string `json:"triggerAt"`
}
