package server

import (
	"rotaline/internal/domain"
	"rotaline/internal/engine"
)

// Request payloads

// RenderScheduleRequest is the stateless render payload. The shape mirrors
// the schedule.json / overrides.json file formats.
type RenderScheduleRequest struct {
	Schedule  *engine.ScheduleSpec `json:"schedule"`
	Overrides []domain.Entry       `json:"overrides,omitempty"`
	From      string               `json:"from" format:"date-time"`
	Until     string               `json:"until" format:"date-time"`
}

type CreateRosterRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type SetRotationRequest struct {
	Users                []string `json:"users"`
	HandoverStartAt      string   `json:"handover_start_at" format:"date-time"`
	HandoverIntervalDays int      `json:"handover_interval_days"`
}

type CreateOverrideRequest struct {
	User    string `json:"user"`
	StartAt string `json:"start_at" format:"date-time"`
	EndAt   string `json:"end_at" format:"date-time"`
}

// Response payloads

type RosterResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type RotationResponse struct {
	RosterID             string   `json:"roster_id"`
	Users                []string `json:"users"`
	HandoverStartAt      string   `json:"handover_start_at" format:"date-time"`
	HandoverIntervalDays int      `json:"handover_interval_days"`
	UpdatedAt            string   `json:"updated_at" format:"date-time"`
}

type OverrideResponse struct {
	ID        string `json:"id"`
	RosterID  string `json:"roster_id"`
	User      string `json:"user"`
	StartAt   string `json:"start_at" format:"date-time"`
	EndAt     string `json:"end_at" format:"date-time"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type overrideList struct {
	Items []OverrideResponse `json:"items"`
}

type eventList struct {
	Items []domain.Event `json:"items"`
}

func rosterResponse(ro domain.Roster) RosterResponse {
	return RosterResponse(ro)
}

func mapRosters(items []domain.Roster) []RosterResponse {
	res := make([]RosterResponse, 0, len(items))
	for _, ro := range items {
		res = append(res, rosterResponse(ro))
	}
	return res
}

func rotationResponse(rot domain.Rotation) RotationResponse {
	return RotationResponse{
		RosterID:             rot.RosterID,
		Users:                rot.Participants,
		HandoverStartAt:      rot.HandoverStartAt,
		HandoverIntervalDays: rot.HandoverIntervalDays,
		UpdatedAt:            rot.UpdatedAt,
	}
}

func overrideResponse(o domain.Override) OverrideResponse {
	return OverrideResponse(o)
}

func mapOverrides(items []domain.Override) []OverrideResponse {
	res := make([]OverrideResponse, 0, len(items))
	for _, o := range items {
		res = append(res, overrideResponse(o))
	}
	return res
}

type EntryResponse struct {
	User    string `json:"user"`
	StartAt string `json:"start_at" format:"date-time"`
	EndAt   string `json:"end_at" format:"date-time"`
}

func mapEntries(items []domain.Entry) []EntryResponse {
	res := make([]EntryResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EntryResponse(e))
	}
	return res
}
