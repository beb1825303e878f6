package moments

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
)

// client session for one moment. composes the transport link, the optimistic
// reconciler, and the typing tracker, routing every inbound envelope to
// exactly one handler. identity is announced on every link open, which is
// also what re-establishes membership after a reconnect. the state snapshot
// that follows the join merges into the view without duplicates.

var ErrNoMediaApi = errors.New("no media api configured")

type MomentDataFunction func(moment *MomentData)

type NotificationFunction func(title string, body string)

// opaque signaling envelope, never inspected
type SignalFunction func(envelope *Envelope)

type MomentClientSettings struct {
	LinkSettings          *LinkSettings
	ReconcilerSettings    *ReconcilerSettings
	TypingTrackerSettings *TypingTrackerSettings
}

func DefaultMomentClientSettings() *MomentClientSettings {
	return &MomentClientSettings{
		LinkSettings:          DefaultLinkSettings(),
		ReconcilerSettings:    DefaultReconcilerSettings(),
		TypingTrackerSettings: DefaultTypingTrackerSettings(),
	}
}

type MomentClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	momentId string
	// opaque identity credential announced in `init`
	identityValue string

	settings *MomentClientSettings

	link          *Link
	reconciler    *Reconciler
	typingTracker *TypingTracker

	api *MediaApi

	momentDataCallbacks   *callbackList[MomentDataFunction]
	notificationCallbacks *callbackList[NotificationFunction]
	signalCallbacks       *callbackList[SignalFunction]
}

func NewMomentClientWithDefaults(
	ctx context.Context,
	endpoint string,
	momentId string,
	identityValue string,
) *MomentClient {
	return NewMomentClient(ctx, endpoint, momentId, identityValue, DefaultMomentClientSettings())
}

func NewMomentClient(
	ctx context.Context,
	endpoint string,
	momentId string,
	identityValue string,
	settings *MomentClientSettings,
) *MomentClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	momentClient := &MomentClient{
		ctx:                   cancelCtx,
		cancel:                cancel,
		momentId:              momentId,
		identityValue:         identityValue,
		settings:              settings,
		reconciler:            NewReconciler(settings.ReconcilerSettings),
		typingTracker:         NewTypingTracker(cancelCtx, settings.TypingTrackerSettings),
		momentDataCallbacks:   newCallbackList[MomentDataFunction](),
		notificationCallbacks: newCallbackList[NotificationFunction](),
		signalCallbacks:       newCallbackList[SignalFunction](),
	}
	link := NewLink(cancelCtx, endpoint, settings.LinkSettings)
	link.AddStateChangeCallback(momentClient.linkStateChanged)
	link.AddReceiveCallback(momentClient.received)
	momentClient.link = link
	return momentClient
}

// the storage collaborator for uploads. without one, AddMedia fails and the
// lower level SendAddMoment still works for uploads done elsewhere.
func (self *MomentClient) SetMediaApi(api *MediaApi) {
	self.api = api
}

func (self *MomentClient) Link() *Link {
	return self.link
}

func (self *MomentClient) Reconciler() *Reconciler {
	return self.reconciler
}

func (self *MomentClient) TypingTracker() *TypingTracker {
	return self.typingTracker
}

func (self *MomentClient) MomentId() string {
	return self.momentId
}

func (self *MomentClient) Items() []MediaItem {
	return self.reconciler.Items()
}

func (self *MomentClient) Typing() []string {
	return self.typingTracker.Typing()
}

func (self *MomentClient) AddItemChangeCallback(itemChangeCallback ItemChangeFunction) func() {
	return self.reconciler.AddItemChangeCallback(itemChangeCallback)
}

func (self *MomentClient) AddTypingChangeCallback(typingChangeCallback TypingChangeFunction) func() {
	return self.typingTracker.AddTypingChangeCallback(typingChangeCallback)
}

func (self *MomentClient) AddLinkStateChangeCallback(stateChangeCallback LinkStateChangeFunction) func() {
	return self.link.AddStateChangeCallback(stateChangeCallback)
}

func (self *MomentClient) AddMomentDataCallback(momentDataCallback MomentDataFunction) func() {
	return self.momentDataCallbacks.add(momentDataCallback)
}

func (self *MomentClient) AddNotificationCallback(notificationCallback NotificationFunction) func() {
	return self.notificationCallbacks.add(notificationCallback)
}

func (self *MomentClient) AddSignalCallback(signalCallback SignalFunction) func() {
	return self.signalCallbacks.add(signalCallback)
}

func (self *MomentClient) linkStateChanged(state LinkState) {
	if state == LinkStateOpen {
		// announce identity. this is what subscribes the link on the server,
		// on the first open and again after every reconnect.
		self.sendInit()
	}
}

func (self *MomentClient) sendInit() {
	message, err := EncodeEnvelope(&Envelope{
		Type:  MessageTypeInit,
		Value: self.identityValue,
	})
	if err != nil {
		return
	}
	if err := self.link.Send(message); err != nil {
		// the link dropped again. the next open repeats the init.
		glog.Infof("[c]%s init send error = %s\n", self.momentId, err)
	}
}

func (self *MomentClient) received(message []byte) {
	envelope, err := DecodeEnvelope(message)
	if err != nil {
		// dropped. a bad envelope never takes down the router.
		glog.Infof("[c]%s drop = %s\n", self.momentId, err)
		return
	}

	switch envelope.Type {
	case MessageTypeAddMoment:
		self.reconciler.Confirm(envelope.Value, envelope.Tag)
	case MessageTypeDeleteMoment:
		self.reconciler.Remove(envelope.Value)
	case MessageTypeTyping:
		if envelope.Sender != "" {
			self.typingTracker.Update(envelope.Sender, envelope.IsTyping)
		}
	case MessageTypeWebrtcOffer, MessageTypeWebrtcAnswer, MessageTypeWebrtcIceCandidate:
		for _, signalCallback := range self.signalCallbacks.get() {
			HandleError(func() {
				signalCallback(envelope)
			})
		}
	case MessageTypeMomentData:
		if envelope.Moment != nil {
			self.reconciler.ApplySnapshot(envelope.Moment.MediaIds)
			for _, momentDataCallback := range self.momentDataCallbacks.get() {
				HandleError(func() {
					momentDataCallback(envelope.Moment)
				})
			}
		}
	case MessageTypeNotification:
		for _, notificationCallback := range self.notificationCallbacks.get() {
			HandleError(func() {
				notificationCallback(envelope.Title, envelope.Body)
			})
		}
	case MessageTypePing:
		pong := RequireEncodeEnvelope(&Envelope{
			Type: MessageTypePong,
		})
		self.link.Send(pong)
	case MessageTypePong:
		glog.V(2).Infof("[c]%s pong\n", self.momentId)
	case MessageTypeInit:
		glog.V(2).Infof("[c]%s ignore init\n", self.momentId)
	default:
		// logged and ignored so that an older client tolerates newer servers
		glog.Infof("[c]%s unknown type %s\n", self.momentId, envelope.Type)
	}
}

type AddMediaCallback apiCallback[*AddMediaResult]

type AddMediaArgs struct {
	ContentType string
	Data        []byte
}

type AddMediaResult struct {
	Item    MediaItem
	MediaId string
}

// the optimistic flow. the placeholder renders immediately, the bytes go to
// storage out of band, and only on storage success does the confirmation
// envelope go out. on upload or send failure the placeholder is evicted and
// the caller decides whether to retry.
func (self *MomentClient) AddMedia(addMedia *AddMediaArgs, callback AddMediaCallback) (MediaItem, error) {
	if self.api == nil {
		return MediaItem{}, ErrNoMediaApi
	}

	item := self.reconciler.BeginLocalMutation()
	mediaId := GenerateMediaId()

	go HandleError(func() {
		result, err := self.api.UploadMediaSync(&UploadMediaArgs{
			MediaId:     mediaId,
			ContentType: addMedia.ContentType,
			Data:        addMedia.Data,
		})
		if err == nil && result.Error != nil {
			err = errors.New(result.Error.Message)
		}
		if err == nil {
			err = self.SendAddMoment(mediaId, item.Tag)
		}
		if err != nil {
			self.reconciler.Evict(item.LocalId)
			callback.Result(nil, err)
			return
		}
		callback.Result(&AddMediaResult{
			Item:    item,
			MediaId: mediaId,
		}, nil)
	})

	return item, nil
}

// emits the confirmation envelope for an already stored media id
func (self *MomentClient) SendAddMoment(mediaId string, tag string) error {
	message, err := EncodeEnvelope(&Envelope{
		Type:  MessageTypeAddMoment,
		Value: mediaId,
		Tag:   tag,
	})
	if err != nil {
		return err
	}
	return self.link.Send(message)
}

// the removal is not optimistic. the item leaves the view when the
// delete fan-out comes back, the same path every other member takes.
func (self *MomentClient) DeleteMedia(mediaId string) error {
	message, err := EncodeEnvelope(&Envelope{
		Type:  MessageTypeDeleteMoment,
		Value: mediaId,
	})
	if err != nil {
		return err
	}
	return self.link.Send(message)
}

func (self *MomentClient) SetTyping(isTyping bool) error {
	message, err := EncodeEnvelope(&Envelope{
		Type:     MessageTypeTyping,
		MomentId: self.momentId,
		IsTyping: isTyping,
	})
	if err != nil {
		return err
	}
	return self.link.Send(message)
}

func (self *MomentClient) SendSignal(signalType MessageType, signal []byte) error {
	switch signalType {
	case MessageTypeWebrtcOffer, MessageTypeWebrtcAnswer, MessageTypeWebrtcIceCandidate:
	default:
		return fmt.Errorf("not a signal type: %s", signalType)
	}
	message, err := EncodeEnvelope(&Envelope{
		Type:   signalType,
		Signal: signal,
	})
	if err != nil {
		return err
	}
	return self.link.Send(message)
}

// deliberate close. the link never reconnects after this.
func (self *MomentClient) Logout() {
	self.link.Logout()
	self.cancel()
}

func (self *MomentClient) Close() {
	self.Logout()
}
