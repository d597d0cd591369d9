package share

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tarmac-project/hord"
	"github.com/tarmac-project/hord/drivers/hashmap"
	"github.com/tarmac-project/hord/drivers/redis"
	"go.uber.org/zap"

	"github.com/gwillem/skeleton/pkg/board"
	"github.com/gwillem/skeleton/pkg/servo"
)

const (
	servoPrefix = "servo/"
	boardPrefix = "board/"
)

// Dial connects to the shared state store. With an empty address the store
// lives in process memory; otherwise addr is a redis server.
func Dial(addr string) (hord.Database, error) {
	var (
		db  hord.Database
		err error
	)
	if addr == "" {
		db, err = hashmap.Dial(hashmap.Config{})
	} else {
		db, err = redis.Dial(redis.Config{Server: addr})
	}
	if err != nil {
		return nil, errors.Wrap(err, "dial shared state store")
	}
	if err := db.Setup(); err != nil {
		return nil, errors.Wrap(err, "set up shared state store")
	}
	return db, nil
}

// KV keeps the latest state of every servo and board in a hord database.
type KV struct {
	db     hord.Database
	logger *zap.SugaredLogger
}

// NewKV returns a publisher writing to db.
func NewKV(db hord.Database, logger *zap.SugaredLogger) *KV {
	return &KV{db: db, logger: logger}
}

func (k *KV) set(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		k.logger.Warnw("encoding shared state failed", "key", key, "error", err)
		return
	}
	if err := k.db.Set(key, data); err != nil {
		k.logger.Warnw("updating shared state failed", "key", key, "error", err)
	}
}

// PublishServo implements Publisher.
func (k *KV) PublishServo(name string, c servo.Current) {
	k.set(servoPrefix+name, c)
}

// PublishBoard implements Publisher.
func (k *KV) PublishBoard(info board.Info) {
	k.set(boardPrefix+strconv.Itoa(info.Index), info)
}

// Servo returns the last published state of servo name.
func (k *KV) Servo(name string) (servo.Current, error) {
	var c servo.Current
	data, err := k.db.Get(servoPrefix + name)
	if err != nil {
		return c, errors.Wrapf(err, "get %s", name)
	}
	return c, json.Unmarshal(data, &c)
}

// Board returns the last published info of a board.
func (k *KV) Board(index int) (board.Info, error) {
	var info board.Info
	data, err := k.db.Get(boardPrefix + strconv.Itoa(index))
	if err != nil {
		return info, errors.Wrapf(err, "get board %d", index)
	}
	return info, json.Unmarshal(data, &info)
}

// Servos returns the names of all published servos, unsorted.
func (k *KV) Servos() ([]string, error) {
	keys, err := k.db.Keys()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, key := range keys {
		if name, ok := strings.CutPrefix(key, servoPrefix); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// HealthCheck reports whether the store is reachable.
func (k *KV) HealthCheck() error {
	return k.db.HealthCheck()
}
