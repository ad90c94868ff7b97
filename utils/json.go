package utils

import (
	"bytes"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/saiset-co/sai-offline/types"
)

type jsonBufferPool struct {
	pool sync.Pool
}

func (p *jsonBufferPool) get() *bytes.Buffer {
	if buf := p.pool.Get(); buf != nil {
		return buf.(*bytes.Buffer)
	}
	return bytes.NewBuffer(make([]byte, 0, 1024))
}

func (p *jsonBufferPool) put(buf *bytes.Buffer) {
	buf.Reset()
	if buf.Cap() < 64*1024 {
		p.pool.Put(buf)
	}
}

var jsonPool = &jsonBufferPool{}

// Marshal encodes data with sonic and returns a copy detached from the pool.
func Marshal(data interface{}) ([]byte, error) {
	buf := jsonPool.get()
	defer jsonPool.put(buf)

	if err := sonic.ConfigDefault.NewEncoder(buf).Encode(data); err != nil {
		return nil, err
	}

	out := bytes.TrimRight(buf.Bytes(), "\n")
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

func Unmarshal[T any](data []byte, target *T) error {
	return sonic.ConfigDefault.Unmarshal(data, target)
}

func UnmarshalConfig[T any](config interface{}, target *T) error {
	if config == nil {
		return types.ErrConfigNotFound
	}

	if typed, ok := config.(*T); ok {
		*target = *typed
		return nil
	}

	if typed, ok := config.(T); ok {
		*target = typed
		return nil
	}

	configBytes, err := sonic.ConfigDefault.Marshal(config)
	if err != nil {
		return err
	}

	return sonic.ConfigDefault.Unmarshal(configBytes, target)
}
