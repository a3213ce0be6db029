package apitypes

import (
	"fmt"
)

// ApiError represents an RFC 7807 (problem+json) error response.
type ApiError struct {
	// Status is the HTTP-style status code (e.g., 400, 404, 500)
	Status int `json:"status"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Detail is a human-readable explanation specific to this occurrence
	Detail string `json:"detail"`
}

func (e ApiError) Error() string {
	if e.Status == 0 && e.Title == "" {
		return "unknown error"
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
}

// --

type PingResponse struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

// SessionResponse describes the proxied device and what the host selected.
type SessionResponse struct {
	State         string `json:"state"`
	Vid           string `json:"vid"`
	Pid           string `json:"pid"`
	Configuration uint8  `json:"configuration"`
	// Interface is -1 while no interface has live workers.
	Interface  int   `json:"interface"`
	AltSetting uint8 `json:"altSetting"`
}

type Endpoint struct {
	Address   string `json:"address"`
	Type      string `json:"type"`
	Direction string `json:"direction"`
	Pending   int    `json:"pending"`
	Packets   uint64 `json:"packets"`
	Bytes     uint64 `json:"bytes"`
	Errors    uint64 `json:"errors"`
}

type EndpointsListResponse struct {
	Endpoints []Endpoint `json:"endpoints"`
}

// RulesListResponse counts the enabled injection rules per class.
type RulesListResponse struct {
	Enabled   bool `json:"enabled"`
	Modify    int  `json:"modify"`
	Ignore    int  `json:"ignore"`
	Stall     int  `json:"stall"`
	Bulk      int  `json:"bulk"`
	Interrupt int  `json:"interrupt"`
	Isoc      int  `json:"isoc"`
}
