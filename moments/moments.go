package moments

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"
)

// moments is the realtime synchronization core for moment channels:
// a reconnecting client link, the server channel registry, the envelope
// protocol shared between them, and the client-side optimistic reconciler.
// Media bytes never travel over the socket. Uploads go out-of-band over
// http (see MediaApi) and only the canonical media id is synchronized.

// comparable
type Id [16]byte

// ids are ulids, ordered by create time per source.
// link and instance ids rely on this for stable log ordering.
func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}

// makes a copy of the list on update,
// so that getting the callbacks does not need to hold the lock during dispatch
type callbackList[T any] struct {
	mutex     sync.Mutex
	nextSubId int
	subIds    []int
	callbacks []T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{}
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

// returns an unsub function
func (self *callbackList[T]) add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	subId := self.nextSubId
	self.nextSubId += 1
	self.subIds = append(slices.Clone(self.subIds), subId)
	self.callbacks = append(slices.Clone(self.callbacks), callback)
	return func() {
		self.remove(subId)
	}
}

func (self *callbackList[T]) remove(subId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.subIds, subId)
	if i < 0 {
		// not present
		return
	}
	self.subIds = slices.Delete(slices.Clone(self.subIds), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}
