package media

// Rendition describes one step of the adaptive bitrate ladder.
type Rendition struct {
	Quality     string
	Width       int
	Height      int
	BitrateKbps int
}

// DefaultLadder returns the ladder in ascending bitrate order. Lower
// renditions are produced first so a partially processed video already has a
// playable quality.
func DefaultLadder() []Rendition {
	return []Rendition{
		{Quality: "360p", Width: 640, Height: 360, BitrateKbps: 800},
		{Quality: "480p", Width: 854, Height: 480, BitrateKbps: 1400},
		{Quality: "720p", Width: 1280, Height: 720, BitrateKbps: 2800},
		{Quality: "1080p", Width: 1920, Height: 1080, BitrateKbps: 5000},
	}
}

// SelectRenditions trims the ladder so the pipeline never upscales. Sources
// below the lowest step still get that step; a zero or unknown height keeps
// the whole ladder.
func SelectRenditions(ladder []Rendition, sourceHeight int) []Rendition {
	if sourceHeight <= 0 {
		return ladder
	}
	selected := make([]Rendition, 0, len(ladder))
	for _, rendition := range ladder {
		if rendition.Height <= sourceHeight {
			selected = append(selected, rendition)
		}
	}
	if len(selected) == 0 && len(ladder) > 0 {
		selected = append(selected, ladder[0])
	}
	return selected
}
