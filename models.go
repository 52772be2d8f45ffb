package main

import (
	"time"
)

type Anime struct {
	ID           uint32 `gorm:"primarykey"`
	RomajiTitle  string
	EnglishTitle string
	Status       string
	Picture      string
	Season       string
	SeasonYear   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AnimeRelation is a directed edge: AnimeID -Relation-> RelationID.
type AnimeRelation struct {
	ID         uint   `gorm:"primarykey"`
	AnimeID    uint32 `gorm:"uniqueIndex:idx_anime_relation"`
	RelationID uint32 `gorm:"uniqueIndex:idx_anime_relation"`
	Relation   string
}

// AnimeUser links a title to a user's list with their watch status.
type AnimeUser struct {
	ID            uint   `gorm:"primarykey"`
	UserID        string `gorm:"uniqueIndex:idx_anime_user"`
	AnimeID       uint32 `gorm:"uniqueIndex:idx_anime_user"`
	Status        string
	WatchPriority int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type User struct {
	ID              string `gorm:"primarykey"`
	Name            string
	Picture         string
	MalID           int `gorm:"index"`
	MalAccessToken  string
	MalRefreshToken string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Session struct {
	ID        string `gorm:"primarykey"`
	UserID    string `gorm:"index"`
	ExpiresAt time.Time
	CreatedAt time.Time
}
