package dispatch

import (
	"sync"
	"syscall"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

const DefaultTopic = "expressions"

// ZMQSink publishes each update as a two-part message: topic, then the cbor-encoded update.
type ZMQSink struct {
	mu       sync.Mutex
	socket   *zmq4.Socket
	endpoint string
	topic    string
	log      *zap.Logger
}

func NewZMQSink(endpoint, topic string, log *zap.Logger) (*ZMQSink, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	if err := socket.SetSndhwm(16); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}
	log.Info("zmq publisher bound", zap.String("endpoint", endpoint), zap.String("topic", topic))
	return &ZMQSink{socket: socket, endpoint: endpoint, topic: topic, log: log}, nil
}

func (z *ZMQSink) Name() string {
	return "zmq:" + z.endpoint
}

func EncodeUpdate(u Update) ([]byte, error) {
	return cbor.Marshal(u)
}

func DecodeUpdate(b []byte) (Update, error) {
	var u Update
	err := cbor.Unmarshal(b, &u)
	return u, err
}

func (z *ZMQSink) Send(u Update) error {
	payload, err := EncodeUpdate(u)
	if err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		return ErrClosed
	}
	_, err = z.socket.SendMessageDontwait(z.topic, payload)
	if err == zmq4.ErrorSocketClosed {
		return ErrClosed
	}
	if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
		// no subscriber ready; PUB drops anyway
		return nil
	}
	return err
}

func (z *ZMQSink) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		return nil
	}
	err := z.socket.Close()
	z.socket = nil
	return err
}
