package moments

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// client for the storage collaborator. the upload handshake is out of band
// from the socket: generate an opaque media id, push the bytes keyed by that
// id, and only after storage success does the caller emit the confirmation
// envelope. the socket never carries media bytes.

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// media ids name the blob before its bytes exist anywhere. the id hashes a
// random token, not the content: unguessable naming and accidental collision
// avoidance, without dedup of identical uploads.
func GenerateMediaId() string {
	token := fmt.Sprintf("%s:%d", uuid.NewString(), time.Now().UnixNano())
	return fmt.Sprintf("%x", md5.Sum([]byte(token)))
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type MediaApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	authToken string
}

func NewMediaApi(apiUrl string) *MediaApi {
	return NewMediaApiWithContext(context.Background(), apiUrl)
}

func NewMediaApiWithContext(ctx context.Context, apiUrl string) *MediaApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &MediaApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// attached to calls that need it
func (self *MediaApi) SetAuthToken(authToken string) {
	self.authToken = authToken
}

type CreateMomentCallback apiCallback[*CreateMomentResult]

type CreateMomentArgs struct {
	MomentId         string   `json:"moment_id"`
	AllowedUsernames []string `json:"allowed_usernames,omitempty"`
}

type CreateMomentResult struct {
	MomentId string             `json:"moment_id,omitempty"`
	Owner    string             `json:"owner,omitempty"`
	Error    *CreateMomentError `json:"error,omitempty"`
}

type CreateMomentError struct {
	Message string `json:"message"`
}

func (self *MediaApi) CreateMoment(createMoment *CreateMomentArgs, callback CreateMomentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/moments", self.apiUrl),
		createMoment,
		self.authToken,
		&CreateMomentResult{},
		callback,
	)
}

func (self *MediaApi) CreateMomentSync(createMoment *CreateMomentArgs) (*CreateMomentResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/moments", self.apiUrl),
		createMoment,
		self.authToken,
		&CreateMomentResult{},
		NewNoopApiCallback[*CreateMomentResult](),
	)
}

type UploadMediaCallback apiCallback[*UploadMediaResult]

type UploadMediaArgs struct {
	MediaId     string
	ContentType string
	Data        []byte
}

type UploadMediaResult struct {
	MediaId   string            `json:"media_id,omitempty"`
	ByteCount ByteCount         `json:"byte_count,omitempty"`
	Error     *UploadMediaError `json:"error,omitempty"`
}

type UploadMediaError struct {
	Message string `json:"message"`
}

func (self *MediaApi) UploadMedia(uploadMedia *UploadMediaArgs, callback UploadMediaCallback) {
	go postBytes(
		self.ctx,
		fmt.Sprintf("%s/api/media/%s", self.apiUrl, uploadMedia.MediaId),
		uploadMedia.ContentType,
		uploadMedia.Data,
		self.authToken,
		&UploadMediaResult{},
		callback,
	)
}

func (self *MediaApi) UploadMediaSync(uploadMedia *UploadMediaArgs) (*UploadMediaResult, error) {
	return postBytes(
		self.ctx,
		fmt.Sprintf("%s/api/media/%s", self.apiUrl, uploadMedia.MediaId),
		uploadMedia.ContentType,
		uploadMedia.Data,
		self.authToken,
		&UploadMediaResult{},
		NewNoopApiCallback[*UploadMediaResult](),
	)
}

type RemoveMediaCallback apiCallback[*RemoveMediaResult]

type RemoveMediaArgs struct {
	MediaId string `json:"media_id"`
}

type RemoveMediaResult struct {
	MediaId string            `json:"media_id,omitempty"`
	Error   *RemoveMediaError `json:"error,omitempty"`
}

type RemoveMediaError struct {
	Message string `json:"message"`
}

func (self *MediaApi) RemoveMedia(removeMedia *RemoveMediaArgs, callback RemoveMediaCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/media/remove", self.apiUrl),
		removeMedia,
		self.authToken,
		&RemoveMediaResult{},
		callback,
	)
}

func (self *MediaApi) RemoveMediaSync(removeMedia *RemoveMediaArgs) (*RemoveMediaResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/media/remove", self.apiUrl),
		removeMedia,
		self.authToken,
		&RemoveMediaResult{},
		NewNoopApiCallback[*RemoveMediaResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, authToken string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if authToken != "" {
		auth := fmt.Sprintf("Bearer %s", authToken)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func postBytes[R any](ctx context.Context, url string, contentType string, body []byte, authToken string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Add("Content-Type", contentType)

	if authToken != "" {
		auth := fmt.Sprintf("Bearer %s", authToken)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
