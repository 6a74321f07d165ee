// models/models.go
package models

import (
	"time"
)

// Location 经纬度坐标
type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Round is one image-guessing challenge. Rounds are immutable once loaded.
type Round struct {
	ImageRef        string   `json:"image"`
	CorrectLocation Location `json:"-"`
}

// User is a member of a room, keyed by the client supplied ID.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	// ConnID is the session currently holding this user.
	ConnID   string    `json:"-"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Privacy 房间可见性
type Privacy string

const (
	PrivacyPublic  Privacy = "public"
	PrivacyPrivate Privacy = "private"
)

// RoomSettings holds what the owner chose at creation.
type RoomSettings struct {
	Name       string  `json:"name"`
	Mode       string  `json:"mode"`
	Difficulty string  `json:"difficulty"`
	Duration   int     `json:"duration"`
	Privacy    Privacy `json:"privacy"`
}

// RoomSummary is one entry in the global room directory.
type RoomSummary struct {
	Code       string  `json:"code"`
	Name       string  `json:"name"`
	Mode       string  `json:"mode"`
	Difficulty string  `json:"difficulty"`
	Duration   int     `json:"duration"`
	Privacy    Privacy `json:"privacy"`
	State      string  `json:"state"`
	Players    int     `json:"players"`
}

// RoomSnapshot is the room-scoped view sent with "room update".
type RoomSnapshot struct {
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	OwnerID    string    `json:"ownerId"`
	Mode       string    `json:"mode"`
	Difficulty string    `json:"difficulty"`
	Duration   int       `json:"duration"`
	Privacy    Privacy   `json:"privacy"`
	State      string    `json:"state"`
	RoundIndex int       `json:"roundIndex"`
	Settling   bool      `json:"settling"`
	Remaining  *int      `json:"remaining,omitempty"`
	Users      []User    `json:"users"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ChatMessage is relayed to every member of a room.
type ChatMessage struct {
	ID       string    `json:"id"`
	RoomCode string    `json:"roomCode"`
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt"`
}
