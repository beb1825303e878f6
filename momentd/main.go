package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/momentsync/moments/moments"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Moments sync daemon.

Serves the moment websocket endpoint, the media upload sink, and the
moment admin api on one port.

Usage:
    momentd run [--config=<config>] [--port=<port>]

Options:
    -h --help             Show this screen.
    --version             Show version.
    -c --config=<config>  Yaml config file.
    -p --port=<port>      Listen port (overrides config).`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func run(opts docopt.Opts) {
	var configPath string
	if configPathAny := opts["--config"]; configPathAny != nil {
		configPath = configPathAny.(string)
	}

	config, err := initConfig(configPath)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Set("v", strconv.Itoa(config.Log.Verbosity))

	port := config.Running.Port
	if port_, err := opts.Int("--port"); err == nil {
		port = port_
	}

	event := moments.NewEventWithContext(context.Background())
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	var layer moments.ChannelLayer
	var store moments.MomentStore
	if config.Redis.Enabled {
		redisOpts := &redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.Db,
		}
		redisLayer, err := moments.NewRedisChannelLayerWithDefaults(ctx, redisOpts)
		if err != nil {
			panic(err)
		}
		layer = redisLayer
		store = moments.NewRedisMomentStoreWithDefaults(redisOpts)
	} else {
		layer = moments.NewLocalChannelLayer()
		store = moments.NewMemoryMomentStoreWithDefaults()
	}

	var identity moments.IdentityFunction
	switch config.Identity.Mode {
	case "jwt":
		if config.Identity.Secret == "" {
			panic(errors.New("identity.secret required for jwt mode"))
		}
		identity = moments.JwtIdentity([]byte(config.Identity.Secret))
	default:
		identity = moments.PlainIdentity()
	}

	server := moments.NewServerWithDefaults(ctx, layer, store, identity)

	mediaStore, err := NewMediaStore(config.Media.Dir, moments.ByteCount(config.Media.MaxByteCount))
	if err != nil {
		panic(err)
	}

	api := &Api{
		server:   server,
		store:    store,
		identity: identity,
	}

	router := mux.NewRouter()
	server.AttachRoutes(router)
	router.Methods(http.MethodPost).Path("/api/media/{mediaId}").HandlerFunc(mediaStore.UploadMedia)
	router.Methods(http.MethodGet).Path("/media/{mediaId}").HandlerFunc(mediaStore.DownloadMedia)
	router.Methods(http.MethodPost).Path("/api/media/remove").HandlerFunc(mediaStore.RemoveMedia)
	router.Methods(http.MethodPost).Path("/api/moments").HandlerFunc(api.CreateMoment)
	router.Methods(http.MethodGet).Path("/status").HandlerFunc(api.Status)

	fmt.Printf("momentd %s on *:%d\n", RequireVersion(), port)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	go func() {
		defer event.Cancel()
		err := httpServer.ListenAndServe()
		if err != nil {
			fmt.Printf("listen error: %s\n", err)
		}
	}()

	select {
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	server.Close()
	store.Close()
	layer.Close()

	os.Exit(0)
}

type Api struct {
	server   *moments.Server
	store    moments.MomentStore
	identity moments.IdentityFunction
}

func (self *Api) username(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	value, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return "", errors.New("missing bearer token")
	}
	return self.identity(value)
}

func (self *Api) CreateMoment(w http.ResponseWriter, r *http.Request) {
	username, err := self.username(r)
	if err != nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	args := &moments.CreateMomentArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, "bad args", http.StatusBadRequest)
		return
	}
	if args.MomentId == "" {
		http.Error(w, "missing moment id", http.StatusBadRequest)
		return
	}

	if err := self.store.EnsureMoment(r.Context(), args.MomentId, username); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	owner, err := self.store.Owner(r.Context(), args.MomentId)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if owner != username {
		http.Error(w, "not the owner", http.StatusForbidden)
		return
	}
	for _, allowedUsername := range args.AllowedUsernames {
		if err := self.store.Allow(r.Context(), args.MomentId, allowedUsername); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	result := &moments.CreateMomentResult{
		MomentId: args.MomentId,
		Owner:    owner,
	}
	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func (self *Api) Status(w http.ResponseWriter, r *http.Request) {
	type MomentsStatusResult struct {
		Version      string `json:"version,omitempty"`
		Status       string `json:"status"`
		Host         string `json:"host"`
		ChannelCount int    `json:"channel_count"`
	}

	result := &MomentsStatusResult{
		Version:      RequireVersion(),
		Status:       "ok",
		Host:         RequireHost(),
		ChannelCount: self.server.Registry().ChannelCount(),
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func Host() (string, error) {
	host := os.Getenv("MOMENTD_HOST")
	if host != "" {
		return host, nil
	}
	host, err := os.Hostname()
	if err == nil {
		return host, nil
	}
	return "", errors.New("MOMENTD_HOST not set")
}

func RequireHost() string {
	host, err := Host()
	if err != nil {
		panic(err)
	}
	return host
}

func RequireVersion() string {
	if version := os.Getenv("MOMENTD_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
