package compiler

import (
	"encoding/hex"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"clgol/internal/diag"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// manifest sits next to a cached binary and records what it was built from.
type manifest struct {
	Key     string    `json:"key"`
	Device  string    `json:"device"`
	Options string    `json:"options"`
	Size    int       `json:"size"`
	Created time.Time `json:"created"`
}

func manifestPath(binaryPath string) string {
	return binaryPath + ".json"
}

func (c *Compiler) cacheKey(source, options string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(c.device.Info().Name))
	h.Write([]byte{0})
	h.Write([]byte(options))
	h.Write([]byte{0})
	h.Write([]byte(source))
	return hex.EncodeToString(h.Sum(nil))
}

// loadCached returns the cached program for source when the manifest at
// binaryPath matches it.
func (c *Compiler) loadCached(binaryPath, source, options string) (*Program, bool) {
	raw, err := os.ReadFile(manifestPath(binaryPath))
	if err != nil {
		c.log.Debug("no binary cache", zap.String("path", binaryPath), zap.Error(err))
		return nil, false
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		c.log.Warn("corrupt binary cache manifest", zap.String("path", binaryPath), zap.Error(err))
		return nil, false
	}
	if m.Key != c.cacheKey(source, options) {
		c.log.Info("binary cache stale", zap.String("path", binaryPath))
		return nil, false
	}
	bin, err := os.ReadFile(binaryPath)
	if err != nil || len(bin) != m.Size {
		c.log.Warn("binary cache unreadable", zap.String("path", binaryPath), zap.Error(err))
		return nil, false
	}
	p, err := c.fromBinary(bin, OriginCache)
	if err != nil {
		c.log.Warn("binary cache rejected, rebuilding from source", zap.String("path", binaryPath), zap.Error(err))
		return nil, false
	}
	return p, true
}

// saveCached writes the device binary of p and its manifest. Failures only
// cost the next run a source build.
func (c *Compiler) saveCached(p *Program, binaryPath, source, options string) {
	bin, err := p.program.Binary()
	if err != nil {
		c.log.Warn("program binary unavailable, cache not written",
			zap.String("path", binaryPath),
			zap.String("status", diag.Describe(diag.StatusOf(err))),
			zap.Error(err))
		return
	}
	if err := os.WriteFile(binaryPath, bin, 0o644); err != nil {
		c.log.Warn("writing program binary", zap.String("path", binaryPath), zap.Error(err))
		return
	}
	raw, err := json.Marshal(manifest{
		Key:     c.cacheKey(source, options),
		Device:  c.device.Info().Name,
		Options: options,
		Size:    len(bin),
		Created: time.Now().UTC(),
	})
	if err == nil {
		err = os.WriteFile(manifestPath(binaryPath), raw, 0o644)
	}
	if err != nil {
		c.log.Warn("writing binary cache manifest", zap.String("path", binaryPath), zap.Error(err))
		return
	}
	c.log.Info("program binary saved", zap.String("path", binaryPath), zap.Int("bytes", len(bin)))
}
