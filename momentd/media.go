package main

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/momentsync/moments/moments"
)

// disk backed media sink for the upload handshake. the socket never carries
// media bytes; clients push them here keyed by the opaque media id and emit
// the confirmation envelope only after this store reports success.

// md5 hex
var mediaIdRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

type MediaStore struct {
	dir          string
	maxByteCount moments.ByteCount
}

func NewMediaStore(dir string, maxByteCount moments.ByteCount) (*MediaStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &MediaStore{
		dir:          dir,
		maxByteCount: maxByteCount,
	}, nil
}

func (self *MediaStore) mediaPath(mediaId string) string {
	return filepath.Join(self.dir, mediaId)
}

func (self *MediaStore) UploadMedia(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	mediaId := vars["mediaId"]
	if !mediaIdRe.MatchString(mediaId) {
		http.Error(w, "bad media id", http.StatusBadRequest)
		return
	}

	body := http.MaxBytesReader(w, r.Body, int64(self.maxByteCount))
	data, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "media too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := os.WriteFile(self.mediaPath(mediaId), data, 0644); err != nil {
		glog.Infof("[media]write error %s = %s\n", mediaId, err)
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}
	glog.V(1).Infof("[media]stored %s (%d)\n", mediaId, len(data))

	result := &moments.UploadMediaResult{
		MediaId:   mediaId,
		ByteCount: moments.ByteCount(len(data)),
	}
	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func (self *MediaStore) DownloadMedia(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	mediaId := vars["mediaId"]
	if !mediaIdRe.MatchString(mediaId) {
		http.Error(w, "bad media id", http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, self.mediaPath(mediaId))
}

func (self *MediaStore) RemoveMedia(w http.ResponseWriter, r *http.Request) {
	args := &moments.RemoveMediaArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, "bad args", http.StatusBadRequest)
		return
	}
	if !mediaIdRe.MatchString(args.MediaId) {
		http.Error(w, "bad media id", http.StatusBadRequest)
		return
	}

	err := os.Remove(self.mediaPath(args.MediaId))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		glog.Infof("[media]remove error %s = %s\n", args.MediaId, err)
		http.Error(w, "remove failed", http.StatusInternalServerError)
		return
	}

	result := &moments.RemoveMediaResult{
		MediaId: args.MediaId,
	}
	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}
