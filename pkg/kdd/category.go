package kdd

// Attack categories used by the NSL-KDD benchmark.
const (
	CategoryNormal  = "normal"
	CategoryDoS     = "dos"
	CategoryProbe   = "probe"
	CategoryR2L     = "r2l"
	CategoryU2R     = "u2r"
	CategoryUnknown = "unknown"
)

// Categories lists the attack categories in reporting order.
var Categories = []string{CategoryDoS, CategoryProbe, CategoryR2L, CategoryU2R, CategoryUnknown}

var attackCategories = map[string]string{
	// DoS
	"apache2":      CategoryDoS,
	"back":         CategoryDoS,
	"land":         CategoryDoS,
	"mailbomb":     CategoryDoS,
	"neptune":      CategoryDoS,
	"pod":          CategoryDoS,
	"processtable": CategoryDoS,
	"smurf":        CategoryDoS,
	"teardrop":     CategoryDoS,
	"udpstorm":     CategoryDoS,

	// Probe
	"ipsweep":   CategoryProbe,
	"mscan":     CategoryProbe,
	"nmap":      CategoryProbe,
	"portsweep": CategoryProbe,
	"saint":     CategoryProbe,
	"satan":     CategoryProbe,

	// Remote to local
	"ftp_write":     CategoryR2L,
	"guess_passwd":  CategoryR2L,
	"httptunnel":    CategoryR2L,
	"imap":          CategoryR2L,
	"multihop":      CategoryR2L,
	"named":         CategoryR2L,
	"phf":           CategoryR2L,
	"sendmail":      CategoryR2L,
	"snmpgetattack": CategoryR2L,
	"snmpguess":     CategoryR2L,
	"spy":           CategoryR2L,
	"warezclient":   CategoryR2L,
	"warezmaster":   CategoryR2L,
	"worm":          CategoryR2L,
	"xlock":         CategoryR2L,
	"xsnoop":        CategoryR2L,

	// User to root
	"buffer_overflow": CategoryU2R,
	"loadmodule":      CategoryU2R,
	"perl":            CategoryU2R,
	"ps":              CategoryU2R,
	"rootkit":         CategoryU2R,
	"sqlattack":       CategoryU2R,
	"xterm":           CategoryU2R,
}

// Category maps a raw label to its attack category.
func Category(label string) string {
	if label == NormalLabel {
		return CategoryNormal
	}
	if c, ok := attackCategories[label]; ok {
		return c
	}
	return CategoryUnknown
}
