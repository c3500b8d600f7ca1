package delivery

import (
	"errors"

	"github.com/nyxmq/broker/pkg/er"
)

var (
	errProtocolMismatch      = &er.Err{Context: "delivery", Message: er.ErrProtocol}
	errNotFound              = &er.Err{Context: "delivery", Message: er.ErrNotFound}
	errNoSubscribersSentinel = er.ErrNoSubscribers
)

func errIs(err error, sentinel error) bool {
	return errors.Is(err, sentinel)
}
