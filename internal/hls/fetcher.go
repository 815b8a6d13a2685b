package hls

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"dlqueue/internal/cache"
	"dlqueue/internal/downloader"
	"dlqueue/internal/m3u8"
)

// ErrSegmentVerify marks a segment whose bytes failed a size or padding
// check. It is retried like a network error.
var ErrSegmentVerify = errors.New("hls: segment verification failed")

// ErrBadKey is a key URI that did not yield a 16 byte AES-128 key.
var ErrBadKey = errors.New("hls: invalid AES-128 key")

// Fetcher stages decrypted segments under the task's cache directory.
type Fetcher struct {
	client *downloader.Client
	cache  *cache.Manager

	mu   sync.Mutex
	keys map[string][]byte
}

func NewFetcher(client *downloader.Client, cm *cache.Manager) *Fetcher {
	return &Fetcher{client: client, cache: cm, keys: make(map[string][]byte)}
}

// Fetch downloads seg for task id and returns the path of its plaintext
// staging file. A segment staged by an earlier run is reused as is: staging
// files appear only by rename once complete.
func (f *Fetcher) Fetch(ctx context.Context, id int64, index int, seg m3u8.Segment) (string, error) {
	final := f.cache.SegmentPath(id, index)
	if f.cache.FileExists(id, filepath.Base(final)) {
		return final, nil
	}
	if _, err := f.cache.EnsureTaskDir(id); err != nil {
		return "", downloader.NewDiskError("mkdir", f.cache.TaskDir(id), err)
	}

	raw := cache.PartPath(final)
	out, err := os.OpenFile(raw, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return "", downloader.NewDiskError("open", raw, err)
	}
	res, err := f.client.Transfer(ctx, downloader.Request{
		URL:    seg.URL,
		Output: out,
		Base:   seg.Offset,
		Length: seg.Length,
	})
	if cerr := out.Close(); err == nil && cerr != nil {
		err = downloader.NewDiskError("close", raw, cerr)
	}
	if err != nil {
		os.Remove(raw)
		return "", err
	}
	if seg.Length > 0 && res.Done != seg.Length {
		os.Remove(raw)
		return "", fmt.Errorf("%w: segment %d is %d bytes, playlist says %d", ErrSegmentVerify, index, res.Done, seg.Length)
	}

	if seg.Key != nil {
		if err := f.decryptFile(ctx, id, raw, seg.Key); err != nil {
			os.Remove(raw)
			return "", err
		}
	}
	if err := os.Rename(raw, final); err != nil {
		return "", downloader.NewDiskError("rename", final, err)
	}
	return final, nil
}

func (f *Fetcher) decryptFile(ctx context.Context, id int64, path string, k *m3u8.Key) error {
	key, err := f.key(ctx, id, k.URI)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return downloader.NewDiskError("read", path, err)
	}
	plain, err := Decrypt(data, key, k.IV[:])
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, plain, 0644); err != nil {
		return downloader.NewDiskError("write", path, err)
	}
	return nil
}

// key returns the AES key at uri, from memory, the task's cache directory,
// or the network in that order.
func (f *Fetcher) key(ctx context.Context, id int64, uri string) ([]byte, error) {
	f.mu.Lock()
	key, ok := f.keys[uri]
	f.mu.Unlock()
	if ok {
		return key, nil
	}

	path := f.cache.KeyPath(id, uri)
	key, err := os.ReadFile(path)
	if err != nil || len(key) != aes.BlockSize {
		key, _, err = f.client.Fetch(ctx, uri, 1024)
		if err != nil {
			return nil, err
		}
		if len(key) != aes.BlockSize {
			return nil, fmt.Errorf("%w: %s returned %d bytes", ErrBadKey, uri, len(key))
		}
		if _, err := f.cache.EnsureTaskDir(id); err == nil {
			_ = os.WriteFile(path, key, 0600)
		}
	}

	f.mu.Lock()
	f.keys[uri] = key
	f.mu.Unlock()
	return key, nil
}

// Decrypt reverses AES-128-CBC with PKCS#7 padding.
func Decrypt(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of %d", ErrSegmentVerify, len(data), aes.BlockSize)
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || !bytes.Equal(plain[len(plain)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, fmt.Errorf("%w: bad PKCS#7 padding", ErrSegmentVerify)
	}
	return plain[:len(plain)-pad], nil
}
