package browser

import (
	"fmt"
	"strings"

	"github.com/ternarybob/autoapply/internal/common"
)

// StealthVersion identifies the current patch set; bump it whenever a script changes
const StealthVersion = "2026.03.1"

// Patch names
const (
	PatchWebdriver   = "navigator.webdriver"
	PatchPlugins     = "navigator.plugins"
	PatchLanguages   = "navigator.languages"
	PatchChrome      = "window.chrome"
	PatchPermissions = "permissions.query"
	PatchWebGL       = "webgl.vendor"
	PatchScreen      = "screen.dimensions"
)

// StealthPatch is one named anti-detection script injected before any page script runs
type StealthPatch struct {
	Name    string
	Version string
	Script  string
	Enabled bool
}

// AutomationFlag is the launch flag that hides the automation-controlled blink feature
const AutomationFlag = "disable-blink-features"

// DefaultPatches returns the full patch set, all enabled, in injection order
func DefaultPatches(width, height int) []StealthPatch {
	if width <= 0 {
		width = 1920
	}
	if height <= 0 {
		height = 1080
	}

	return []StealthPatch{
		{Name: PatchWebdriver, Script: `Object.defineProperty(navigator, 'webdriver', { get: () => undefined, configurable: true });`},
		{Name: PatchPlugins, Script: `Object.defineProperty(navigator, 'plugins', {
	get: () => {
		const plugins = [
			{ name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer' },
			{ name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai' },
			{ name: 'Native Client', filename: 'internal-nacl-plugin' }
		];
		plugins.length = 3;
		return plugins;
	},
	configurable: true
});`},
		{Name: PatchLanguages, Script: `Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'], configurable: true });`},
		{Name: PatchChrome, Script: `if (!window.chrome) { window.chrome = {}; }
window.chrome.runtime = { id: undefined };`},
		{Name: PatchPermissions, Script: `if (window.navigator.permissions) {
	const originalQuery = window.navigator.permissions.query;
	window.navigator.permissions.query = (parameters) => (
		parameters.name === 'notifications' ?
			Promise.resolve({ state: Notification.permission }) :
			originalQuery(parameters)
	);
}`},
		{Name: PatchWebGL, Script: `if (window.WebGLRenderingContext) {
	const getParameter = WebGLRenderingContext.prototype.getParameter;
	WebGLRenderingContext.prototype.getParameter = function(parameter) {
		if (parameter === 37445) return 'Intel Inc.';
		if (parameter === 37446) return 'Intel Iris OpenGL Engine';
		return getParameter.call(this, parameter);
	};
}`},
		{Name: PatchScreen, Script: fmt.Sprintf(`Object.defineProperty(screen, 'width', { get: () => %d });
Object.defineProperty(screen, 'height', { get: () => %d });
Object.defineProperty(screen, 'availWidth', { get: () => %d });
Object.defineProperty(screen, 'availHeight', { get: () => %d });
Object.defineProperty(screen, 'colorDepth', { get: () => 24 });
Object.defineProperty(screen, 'pixelDepth', { get: () => 24 });`, width, height, width, height-40)},
	}
}

// ResolvePatches applies the stealth toggles for one platform.
// Every patch is returned; disabled ones carry Enabled=false so the resolved set can be reported.
func ResolvePatches(config common.StealthConfig, platform string, width, height int) []StealthPatch {
	enabled := StealthEnabled(config, platform)

	disabled := make(map[string]bool, len(config.DisabledPatches))
	for _, name := range config.DisabledPatches {
		disabled[strings.ToLower(strings.TrimSpace(name))] = true
	}

	patches := DefaultPatches(width, height)
	for i := range patches {
		patches[i].Version = StealthVersion
		patches[i].Enabled = enabled && !disabled[strings.ToLower(patches[i].Name)]
	}
	return patches
}

// StealthEnabled reports whether stealth applies to a platform
func StealthEnabled(config common.StealthConfig, platform string) bool {
	for name, override := range config.PlatformOverrides {
		if strings.EqualFold(name, platform) {
			return override
		}
	}
	return config.Enabled
}

// Script joins the enabled patches into one document-start script
func Script(patches []StealthPatch) string {
	var b strings.Builder
	for _, p := range patches {
		if !p.Enabled {
			continue
		}
		fmt.Fprintf(&b, "// %s@%s\n(() => {\n%s\n})();\n", p.Name, p.Version, p.Script)
	}
	return b.String()
}
