// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package notify

import (
	"fmt"
	"time"
)

// Template helpers build pre-filled notifications for common cases.
// Pure data builders: no store access, no control logic. Callers may
// adjust any field before handing the result to Manager.Create.

// AppointmentReminder builds a reminder for an upcoming appointment,
// addressed to one patient.
func AppointmentReminder(tenantID, recipientID, practitioner string, at time.Time) *Notification {
	return &Notification{
		TenantID:    tenantID,
		RecipientID: recipientID,
		Kind:        "appointment-reminder",
		Title:       "Upcoming appointment",
		Message:     fmt.Sprintf("You have an appointment with %s on %s.", practitioner, at.Format("Monday, Jan 2 at 3:04 PM")),
		Priority:    PriorityMedium,
		Category:    "appointments",
		Channels:    []Channel{ChannelInApp, ChannelEmail, ChannelSMS},
		Actions: []Action{
			{ID: "view", Label: "View appointment", Kind: ActionNavigate, Target: "/appointments", Style: "primary"},
			{ID: "dismiss", Label: "Dismiss", Kind: ActionDismiss},
		},
	}
}

// PaymentDue builds a balance reminder addressed to one patient.
func PaymentDue(tenantID, recipientID string, amountCents int64, dueBy time.Time) *Notification {
	return &Notification{
		TenantID:    tenantID,
		RecipientID: recipientID,
		Kind:        "payment-due",
		Title:       "Payment due",
		Message:     fmt.Sprintf("A balance of $%.2f is due by %s.", float64(amountCents)/100, dueBy.Format("Jan 2, 2006")),
		Priority:    PriorityHigh,
		Category:    "billing",
		Channels:    []Channel{ChannelInApp, ChannelEmail},
		Actions: []Action{
			{ID: "pay", Label: "Pay now", Kind: ActionNavigate, Target: "/billing", Style: "primary"},
			{ID: "dismiss", Label: "Remind me later", Kind: ActionDismiss},
		},
	}
}

// SystemAlert builds a tenant-wide broadcast for operational incidents.
func SystemAlert(tenantID, title, message string) *Notification {
	return &Notification{
		TenantID: tenantID,
		Kind:     "system-alert",
		Title:    title,
		Message:  message,
		Priority: PriorityUrgent,
		Category: "system",
		Channels: []Channel{ChannelInApp, ChannelEmail, ChannelPush},
		Actions: []Action{
			{ID: "ack", Label: "Acknowledge", Kind: ActionDismiss, Style: "primary"},
		},
	}
}

// WelcomeMessage builds an onboarding greeting for a new user.
func WelcomeMessage(tenantID, recipientID, displayName string) *Notification {
	return &Notification{
		TenantID:    tenantID,
		RecipientID: recipientID,
		Kind:        "welcome",
		Title:       "Welcome to Clinovia",
		Message:     fmt.Sprintf("Welcome, %s. Your account is ready.", displayName),
		Priority:    PriorityLow,
		Category:    "onboarding",
		Channels:    []Channel{ChannelInApp},
		Actions: []Action{
			{ID: "tour", Label: "Take the tour", Kind: ActionNavigate, Target: "/welcome", Style: "primary"},
		},
	}
}
