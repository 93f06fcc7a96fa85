package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	recordSuffix  = ".entry"
	recordVersion = 1
)

// diskRecord is the persisted form of an Entry. Payload is zstd-compressed.
type diskRecord struct {
	Version   int    `cbor:"1,keyasint"`
	Key       string `cbor:"2,keyasint"`
	Endpoint  string `cbor:"3,keyasint"`
	CreatedAt int64  `cbor:"4,keyasint"`
	ExpiresAt int64  `cbor:"5,keyasint"`
	ETag      string `cbor:"6,keyasint,omitempty"`
	Payload   []byte `cbor:"7,keyasint"`
}

type diskFile struct {
	path    string
	size    int64
	record  diskRecord
	created time.Time
}

// diskTier persists entries as one CBOR file per key. Files are replaced by
// rename so concurrent readers never observe partial writes; mutations hold
// an exclusive lock on the directory for other processes sharing it.
type diskTier struct {
	dir     string
	lock    *flock.Flock
	encMode cbor.EncMode
	decMode cbor.DecMode
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder
}

func newDiskTier(dir string) (*diskTier, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	decMode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		_ = zenc.Close()
		return nil, err
	}
	return &diskTier{
		dir:     dir,
		lock:    flock.New(filepath.Join(dir, ".lock")),
		encMode: encMode,
		decMode: decMode,
		zenc:    zenc,
		zdec:    zdec,
	}, nil
}

func (d *diskTier) close() error {
	d.zdec.Close()
	return errors.Join(d.zenc.Close(), d.lock.Close())
}

func (d *diskTier) pathFor(key string) string {
	sum := blake3.Sum256([]byte(key))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:])+recordSuffix)
}

func (d *diskTier) get(key string) (Entry, bool, error) {
	file, err := d.readFile(d.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	// A hash collision would surface as a different stored key.
	if file.record.Key != key {
		return Entry{}, false, nil
	}
	entry, err := d.entryFrom(file.record)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (d *diskTier) put(key string, entry Entry) error {
	record := diskRecord{
		Version:   recordVersion,
		Key:       key,
		Endpoint:  entry.SourceEndpoint,
		CreatedAt: entry.CreatedAt.UnixNano(),
		ExpiresAt: entry.ExpiresAt.UnixNano(),
		ETag:      entry.ETag,
		Payload:   d.zenc.EncodeAll(entry.Payload, nil),
	}
	data, err := d.encMode.Marshal(record)
	if err != nil {
		return err
	}
	return d.withLock(func() error {
		tmp, err := os.CreateTemp(d.dir, ".write-*")
		if err != nil {
			return err
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return err
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmpName)
			return err
		}
		return os.Rename(tmpName, d.pathFor(key))
	})
}

func (d *diskTier) remove(key string) (bool, error) {
	removed := false
	err := d.withLock(func() error {
		err := os.Remove(d.pathFor(key))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		removed = err == nil
		return err
	})
	return removed, err
}

// removeIf deletes every record for which match returns true.
func (d *diskTier) removeIf(match func(record diskRecord) bool) (int, error) {
	removed := 0
	err := d.withLock(func() error {
		files, err := d.scan()
		if err != nil {
			return err
		}
		var errs []error
		for _, file := range files {
			if !match(file.record) {
				continue
			}
			if err := os.Remove(file.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed++
		}
		return errors.Join(errs...)
	})
	return removed, err
}

// enforce deletes the oldest records until both ceilings hold.
func (d *diskTier) enforce(maxEntries int, maxBytes int64) (int, error) {
	removed := 0
	err := d.withLock(func() error {
		files, err := d.scan()
		if err != nil {
			return err
		}
		var total int64
		for _, file := range files {
			total += file.size
		}
		sort.Slice(files, func(i, j int) bool { return files[i].created.Before(files[j].created) })
		count := len(files)
		for _, file := range files {
			overCount := maxEntries > 0 && count > maxEntries
			overBytes := maxBytes > 0 && total > maxBytes
			if !overCount && !overBytes {
				break
			}
			if err := os.Remove(file.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			count--
			total -= file.size
			removed++
		}
		return nil
	})
	return removed, err
}

func (d *diskTier) count() (int, int64, error) {
	files, err := d.scan()
	if err != nil {
		return 0, 0, err
	}
	var total int64
	for _, file := range files {
		total += file.size
	}
	return len(files), total, nil
}

func (d *diskTier) clear() (int, error) {
	return d.removeIf(func(diskRecord) bool { return true })
}

// scan decodes every record in the directory. Unreadable records are
// deleted so a corrupt file cannot wedge the tier.
func (d *diskTier) scan() ([]diskFile, error) {
	dirEntries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	files := make([]diskFile, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), recordSuffix) {
			continue
		}
		path := filepath.Join(d.dir, dirEntry.Name())
		file, err := d.readFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			_ = os.Remove(path)
			continue
		}
		files = append(files, file)
	}
	return files, nil
}

func (d *diskTier) readFile(path string) (diskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return diskFile{}, err
	}
	var record diskRecord
	if err := d.decMode.Unmarshal(data, &record); err != nil {
		return diskFile{}, fmt.Errorf("decode cache record %s: %w", filepath.Base(path), err)
	}
	if record.Version != recordVersion {
		return diskFile{}, fmt.Errorf("cache record %s has version %d", filepath.Base(path), record.Version)
	}
	return diskFile{
		path:    path,
		size:    int64(len(data)),
		record:  record,
		created: time.Unix(0, record.CreatedAt),
	}, nil
}

func (d *diskTier) entryFrom(record diskRecord) (Entry, error) {
	payload, err := d.zdec.DecodeAll(record.Payload, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("decompress cache payload: %w", err)
	}
	return Entry{
		Payload:        payload,
		CreatedAt:      time.Unix(0, record.CreatedAt),
		ExpiresAt:      time.Unix(0, record.ExpiresAt),
		ETag:           record.ETag,
		SourceEndpoint: record.Endpoint,
	}, nil
}

func (d *diskTier) withLock(fn func() error) error {
	if err := d.lock.Lock(); err != nil {
		return fmt.Errorf("lock cache directory: %w", err)
	}
	defer func() { _ = d.lock.Unlock() }()
	return fn()
}
