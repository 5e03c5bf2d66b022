package gallery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/chinmina/chinmina-gallery/internal/resource"
)

// naiveLayout is the API's timestamp format when it omits the zone; such
// timestamps are UTC.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// Timestamp reads both RFC 3339 and zone-less timestamps, and always writes
// RFC 3339.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}

	parsed, err := time.ParseInLocation(naiveLayout, s, time.UTC)
	if err != nil {
		return fmt.Errorf("unrecognized timestamp %q", s)
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt Timestamp `json:"created_at"`
}

type ImageSummary struct {
	ID               int64     `json:"id"`
	Title            string    `json:"title"`
	Description      *string   `json:"description"`
	OwnerID          int64     `json:"owner_id"`
	OriginalFilename string    `json:"original_filename"`
	CreatedAt        Timestamp `json:"created_at"`
	UpdatedAt        Timestamp `json:"updated_at"`
	Owner            User      `json:"owner"`
}

// Key is the resource cache key for the image's binary content.
func (s ImageSummary) Key() resource.Key {
	return KeyFor(s.ID)
}

type ImageDetail struct {
	ImageSummary
	Comments []Comment `json:"comments"`
}

type Comment struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	ImageID   int64     `json:"image_id"`
	AuthorID  int64     `json:"author_id"`
	Author    User      `json:"author"`
	CreatedAt Timestamp `json:"created_at"`
}

// KeyFor returns the resource cache key for an image id.
func KeyFor(id int64) resource.Key {
	return resource.Key(strconv.FormatInt(id, 10))
}

// ParseKey is the inverse of KeyFor.
func ParseKey(key resource.Key) (int64, error) {
	id, err := strconv.ParseInt(string(key), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid image key %q", key)
	}
	return id, nil
}
