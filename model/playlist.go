package model

import "time"

// Playlist is an ordered, named grouping of audio files owned by one user.
// Membership is tracked by AudioFile.PlaylistID.
type Playlist struct {
	ID        int64       `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID   int64       `json:"ownerId" gorm:"index;not null"`
	Name      string      `json:"name" gorm:"size:255;not null"`
	CreatedAt time.Time   `json:"createdAt"`
	Audios    []AudioFile `json:"audios,omitempty" gorm:"foreignKey:PlaylistID"`
}

func (Playlist) TableName() string {
	return "playlists"
}
