package slave

import "sync"

// SIIImage is a cached copy of a slave's EEPROM (Slave Information
// Interface) contents: the raw word image plus the identity fields
// parsed out of its first category.
type SIIImage struct {
	Identity Identity
	Raw      []byte
}

// SIICache shares SII images across rescans: a slave whose identity (or,
// lacking a nonzero serial number, whose alias) matches a cached entry
// reuses the cached image instead of re-reading its EEPROM mailbox.
type SIICache struct {
	mu          sync.Mutex
	byIdentity  map[Identity]*SIIImage
	byAlias     map[uint16]*SIIImage
}

func NewSIICache() *SIICache {
	return &SIICache{
		byIdentity: make(map[Identity]*SIIImage),
		byAlias:    make(map[uint16]*SIIImage),
	}
}

// Lookup returns a cached image for the identity, or for the alias when
// the serial number is zero (many devices from the same product line
// ship with serial 0, so only the alias reliably disambiguates them).
func (c *SIICache) Lookup(id Identity, alias uint16) (*SIIImage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id.SerialNumber != 0 {
		if img, ok := c.byIdentity[id]; ok {
			return img, true
		}
		return nil, false
	}
	img, ok := c.byAlias[alias]
	return img, ok
}

// Store caches img under its identity (if it carries a nonzero serial
// number) and, when alias is nonzero, under the alias as well.
func (c *SIICache) Store(alias uint16, img *SIIImage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if img.Identity.SerialNumber != 0 {
		c.byIdentity[img.Identity] = img
	}
	if alias != 0 {
		c.byAlias[alias] = img
	}
}
