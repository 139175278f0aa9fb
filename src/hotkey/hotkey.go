// Package hotkey watches for a global key combination and toggles capture.
package hotkey

import (
	"context"
	"fmt"
	"strings"
	"sync"

	gohook "github.com/robotn/gohook"
	"github.com/sirupsen/logrus"
)

// combo tracks which keys of a combination are currently held.
type combo struct {
	mu      sync.Mutex
	names   []string
	codes   [][]uint16
	pressed []bool
	// latched marks the key that completed the combination until it is released.
	latched []bool
}

func newCombo(hotkeyConfig string) (*combo, error) {
	c := &combo{}
	for _, name := range parseHotkey(hotkeyConfig) {
		codes := keyNameToRawcodes(name)
		if len(codes) == 0 {
			return nil, fmt.Errorf("cannot map key %q in hotkey %q", name, hotkeyConfig)
		}
		c.names = append(c.names, name)
		c.codes = append(c.codes, codes)
	}
	if len(c.names) == 0 {
		return nil, fmt.Errorf("no valid keys in hotkey %q", hotkeyConfig)
	}
	c.pressed = make([]bool, len(c.names))
	c.latched = make([]bool, len(c.names))
	return c, nil
}

// keyDown records a press and reports whether it completed the combination.
// Auto-repeat of the completing key is ignored until that key is released;
// the other keys stay held, so pressing it again fires again.
func (c *combo) keyDown(rawcode uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.index(rawcode)
	if i < 0 || c.latched[i] {
		return false
	}
	c.pressed[i] = true
	for _, p := range c.pressed {
		if !p {
			return false
		}
	}
	c.latched[i] = true
	return true
}

func (c *combo) keyUp(rawcode uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.index(rawcode); i >= 0 {
		c.pressed[i] = false
		c.latched[i] = false
	}
}

func (c *combo) index(rawcode uint16) int {
	for i, codes := range c.codes {
		for _, code := range codes {
			if code == rawcode {
				return i
			}
		}
	}
	return -1
}

// Listen calls callback each time the combination is pressed, until ctx ends.
func Listen(ctx context.Context, hotkeyConfig string, logger logrus.FieldLogger, callback func()) error {
	c, err := newCombo(hotkeyConfig)
	if err != nil {
		return err
	}

	evChan := gohook.Start()
	if evChan == nil {
		return fmt.Errorf("keyboard hook unavailable")
	}
	logger.WithField("hotkey", hotkeyConfig).Info("Hotkey listener configured")

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("panic", r).Error("hotkey listener crashed")
			}
		}()
		<-ctx.Done()
		gohook.End()
	}()

	for ev := range evChan {
		switch ev.Kind {
		case gohook.KeyDown:
			if c.keyDown(ev.Rawcode) {
				logger.WithField("hotkey", hotkeyConfig).Debug("Hotkey activated")
				if callback != nil {
					callback()
				}
			}
		case gohook.KeyUp:
			c.keyUp(ev.Rawcode)
		}
	}
	return ctx.Err()
}

// parseHotkey converts a hotkey string like "Ctrl+Alt+q" to normalized key names
func parseHotkey(hotkeyConfig string) []string {
	var keys []string
	for _, part := range strings.Split(strings.ToLower(hotkeyConfig), "+") {
		part = strings.TrimSpace(part)
		switch part {
		case "":
			continue
		case "win", "cmd", "super":
			keys = append(keys, "cmd")
		default:
			keys = append(keys, part)
		}
	}
	return keys
}

var namedKeys = map[string][]uint16{
	// Modifier keys: left and right variants
	"ctrl":  {162, 163}, // VK_LCONTROL, VK_RCONTROL
	"alt":   {164, 165}, // VK_LMENU, VK_RMENU
	"shift": {160, 161}, // VK_LSHIFT, VK_RSHIFT
	"cmd":   {91, 92},   // VK_LWIN, VK_RWIN

	"space":     {32},
	"enter":     {13},
	"return":    {13},
	"esc":       {27},
	"escape":    {27},
	"tab":       {9},
	"backspace": {8},
	"delete":    {46},
	"del":       {46},
	"insert":    {45},
	"ins":       {45},
	"home":      {36},
	"end":       {35},
	"pageup":    {33},
	"pgup":      {33},
	"pagedown":  {34},
	"pgdn":      {34},
	"left":      {37},
	"up":        {38},
	"right":     {39},
	"down":      {40},
}

// keyNameToRawcodes maps a key name to its virtual key code rawcodes.
func keyNameToRawcodes(keyName string) []uint16 {
	keyName = strings.ToLower(strings.TrimSpace(keyName))
	if keyName == "win" || keyName == "super" {
		keyName = "cmd"
	}
	if codes, ok := namedKeys[keyName]; ok {
		return codes
	}

	if len(keyName) == 1 {
		ch := keyName[0]
		switch {
		case ch >= 'a' && ch <= 'z':
			return []uint16{uint16(ch-'a') + 65}
		case ch >= '0' && ch <= '9':
			return []uint16{uint16(ch-'0') + 48}
		}
	}

	// F1-F24 are VK 112-135
	var n int
	if _, err := fmt.Sscanf(keyName, "f%d", &n); err == nil && n >= 1 && n <= 24 && keyName == fmt.Sprintf("f%d", n) {
		return []uint16{uint16(111 + n)}
	}
	return nil
}
