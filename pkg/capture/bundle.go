package capture

import (
	"os"
	"time"

	"sentinel/pkg/device"
)

// Attachment file names, in the order they are attached.
const (
	NameFrontPhoto = "front_camera.jpg"
	NameBackPhoto  = "back_camera.jpg"
	NameFrontVideo = "front_video.mp4"
	NameBackVideo  = "back_video.mp4"
	NameAudio      = "ambient_audio.mp3"
	NameScreenshot = "stealth_screenshot.png"
)

// Bundle is the evidence gathered for one incident. Empty paths and a nil
// Location mean the artifact is absent.
type Bundle struct {
	IncidentID string
	Dir        string
	FrontPhoto string
	BackPhoto  string
	FrontVideo string
	BackVideo  string
	Audio      string
	Screenshot string
	Location   *device.Location
	CapturedAt time.Time
}

// Artifact is a named evidence file.
type Artifact struct {
	Name string
	Path string
}

// Artifacts lists present artifacts whose files exist on disk.
func (b *Bundle) Artifacts() []Artifact {
	if b == nil {
		return nil
	}
	all := []Artifact{
		{NameFrontPhoto, b.FrontPhoto},
		{NameBackPhoto, b.BackPhoto},
		{NameFrontVideo, b.FrontVideo},
		{NameBackVideo, b.BackVideo},
		{NameAudio, b.Audio},
		{NameScreenshot, b.Screenshot},
	}
	out := make([]Artifact, 0, len(all))
	for _, a := range all {
		if a.Path == "" {
			continue
		}
		if fi, err := os.Stat(a.Path); err != nil || fi.IsDir() {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Empty reports whether nothing at all was captured.
func (b *Bundle) Empty() bool {
	return b == nil || (len(b.Artifacts()) == 0 && b.Location == nil)
}
