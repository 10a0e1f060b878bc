package api

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"coursecast/internal/models"
)

var qualityPattern = regexp.MustCompile(`^[0-9]{3,4}p$`)

// byteRange is a half-open request resolved against the object size.
type byteRange struct {
	start  int64
	length int64
}

var errMalformedRange = fmt.Errorf("malformed range header")
var errUnsatisfiableRange = fmt.Errorf("range not satisfiable")

// parseRange resolves a single-part Range header against size. It returns
// errMalformedRange for anything but one "bytes=" range, and
// errUnsatisfiableRange when the start lies past the end of the object.
func parseRange(header string, size int64) (byteRange, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return byteRange{}, errMalformedRange
	}
	startText, endText, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return byteRange{}, errMalformedRange
	}

	if startText == "" {
		// Suffix form: the final N bytes.
		suffix, err := strconv.ParseInt(endText, 10, 64)
		if err != nil || suffix <= 0 {
			return byteRange{}, errMalformedRange
		}
		if suffix > size {
			suffix = size
		}
		return byteRange{start: size - suffix, length: suffix}, nil
	}

	start, err := strconv.ParseInt(startText, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, errMalformedRange
	}
	if start >= size {
		return byteRange{}, errUnsatisfiableRange
	}

	end := size - 1
	if endText != "" {
		end, err = strconv.ParseInt(endText, 10, 64)
		if err != nil || end < start {
			return byteRange{}, errMalformedRange
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return byteRange{start: start, length: end - start + 1}, nil
}

// MaterialVideo streams the transcoded video behind a course material,
// honoring byte-range requests and the material's access rules.
func (h *Handler) MaterialVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/materials/")
	materialID, rest, ok := strings.Cut(path, "/")
	if !ok || rest != "video" || materialID == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}

	material, found := h.Store.GetMaterial(materialID)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("material %s not found", materialID))
		return
	}
	video, found := h.Store.GetVideo(material.VideoID)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("video for material %s not found", materialID))
		return
	}

	viewer, entitled := h.authorizeViewer(w, r, material)
	if !entitled {
		return
	}

	if video.Status != models.VideoStatusCompleted {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("video is still processing"))
		return
	}

	qualities := h.Store.ListVideoQualities(video.ID)
	if len(qualities) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("no renditions available"))
		return
	}

	requested := r.URL.Query().Get("quality")
	if requested != "" && !qualityPattern.MatchString(requested) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid quality %q", requested))
		return
	}
	selected := qualities[0]
	for _, quality := range qualities {
		if quality.Quality == requested {
			selected = quality
			break
		}
	}

	info, err := h.Blobs.Stat(r.Context(), selected.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("rendition unavailable"))
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "video/mp4")

	offset, length := int64(0), info.Size
	status := http.StatusOK
	if header := r.Header.Get("Range"); header != "" {
		rng, err := parseRange(header, info.Size)
		switch err {
		case nil:
		case errUnsatisfiableRange:
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
			writeError(w, http.StatusRequestedRangeNotSatisfiable, err)
			return
		default:
			writeError(w, http.StatusBadRequest, err)
			return
		}
		offset, length = rng.start, rng.length
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, info.Size))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))

	h.recordPlaybackStart(r, viewer, material)

	reader, err := h.Blobs.ReadRange(r.Context(), selected.Path, offset, length)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("rendition unavailable"))
		return
	}
	defer reader.Close()

	w.WriteHeader(status)
	if err := copyWithContext(r, w, reader); err != nil {
		h.logger().Debug("stream interrupted", "material_id", material.ID, "error", err)
	}
}

// authorizeViewer applies the material's access rules and writes the error
// response itself when access is denied. The returned user is the zero value
// for anonymous viewers of free materials.
func (h *Handler) authorizeViewer(w http.ResponseWriter, r *http.Request, material models.Material) (models.User, bool) {
	user, authenticated := UserFromContext(r.Context())
	if material.IsFree {
		return user, true
	}
	if !authenticated {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return models.User{}, false
	}
	if user.HasRole(roleAdmin) {
		return user, true
	}
	course, found := h.Store.GetCourse(material.CourseID)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("course %s not found", material.CourseID))
		return models.User{}, false
	}
	if course.OwnerID == user.ID {
		return user, true
	}
	if enrollment, found := h.Store.GetEnrollment(user.ID, material.CourseID); found && enrollment.Active() {
		return user, true
	}
	writeError(w, http.StatusForbidden, fmt.Errorf("enrollment required"))
	return models.User{}, false
}

// recordPlaybackStart marks that an enrolled student began watching. Owners,
// admins, and anonymous free viewers are skipped, and failures never block
// the stream.
func (h *Handler) recordPlaybackStart(r *http.Request, viewer models.User, material models.Material) {
	if viewer.ID == "" || viewer.HasRole(roleAdmin) || material.IsFree {
		return
	}
	course, found := h.Store.GetCourse(material.CourseID)
	if !found || course.OwnerID == viewer.ID {
		return
	}
	if _, err := h.Store.UpsertPlaybackProgress(viewer.ID, material.ID, 0); err != nil {
		h.logger().Warn("record playback progress", "user_id", viewer.ID, "material_id", material.ID, "error", err)
	}
}

// copyWithContext streams body to the client, stopping promptly when the
// request context is cancelled.
func copyWithContext(r *http.Request, w io.Writer, body io.Reader) error {
	buf := make([]byte, 64<<10)
	for {
		if err := r.Context().Err(); err != nil {
			return err
		}
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
