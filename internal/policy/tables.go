package policy

// Tables is policy data, not logic. Three nested tiers of allowed command
// heads, a set of command heads denied at every tier regardless of sudo, and
// two layers of whole-command regular expressions. low_allowed is a subset of
// medium_allowed which is a subset of high_allowed; Validate in policy.go
// depends on that nesting and DefaultTables preserves it by construction.
type Tables struct {
	LowAllowed              map[string]struct{}
	MediumAllowed           map[string]struct{}
	HighAllowed             map[string]struct{}
	AlwaysDenied            map[string]struct{}
	AlwaysForbiddenPatterns []string
	TierForbiddenPatterns   map[Tier][]string
}

func toSet(names ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func union(sets ...map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for _, s := range sets {
		for k := range s {
			out[k] = struct{}{}
		}
	}
	return out
}

// lowHeads are read-only inspection commands: filesystem, process, network,
// and log introspection plus the handful of text-filters that only make
// sense piped after one of them.
var lowHeads = []string{
	"cat", "head", "tail", "less", "more", "ls", "ll", "dir", "find", "locate",
	"which", "whereis", "file", "stat", "wc", "pwd", "diff", "md5sum", "sha256sum",
	"df", "du", "free", "uptime", "uname", "hostname", "whoami", "id", "date",
	"env", "printenv", "lscpu", "lsmem", "lsblk", "lspci", "lsusb", "lsof",
	"dmidecode", "hwinfo", "inxi",
	"ps", "top", "pgrep", "pidof", "pstree",
	"netstat", "ss", "ip", "ifconfig", "arp", "ping", "traceroute", "tracepath",
	"dig", "nslookup", "host", "getent",
	"journalctl", "dmesg", "last", "lastlog", "who", "w",
	"sensors", "hddtemp", "smartctl", "nvme", "mdadm",
	"grep", "egrep", "fgrep", "awk", "sed", "sort", "uniq", "cut", "tr", "jq",
	"yq", "column", "tee", "xargs", "echo",
}

// mediumHeads are additional program names with legitimate read-write uses
// that are not, by themselves, destructive; the always-forbidden patterns
// below catch their specific dangerous invocations (docker rm -f, zfs
// destroy, and so on) independent of tier.
var mediumHeads = []string{
	"docker", "kubectl", "git", "curl", "wget", "tar", "gzip", "gunzip", "zip",
	"unzip", "rsync", "scp", "nc", "crontab",
	"pvesh", "pct", "qm", "pvecm", "zfs", "zpool",
	"apt", "apt-get", "yum", "dnf", "pacman", "dpkg", "rpm", "service", "systemctl",
}

// highHeads require elevated privilege and are only reachable when uses_sudo
// is permitted, i.e. at the HIGH tier (see Validate step 5).
var highHeads = []string{
	"kill", "pkill", "killall", "useradd", "userdel", "usermod", "groupadd",
	"groupdel", "passwd", "visudo", "iptables", "ufw", "firewall-cmd",
	"mount", "umount", "chown", "chmod", "chgrp", "ln", "cp", "mv", "rm",
}

// alwaysDenied command heads are never reachable at any tier, with or
// without sudo: filesystem formatting, disk wiping, and power control. None
// of these may also appear in HighAllowed (DefaultTables enforces this at
// construction via a panic, not a runtime check, since the table is fixed).
var alwaysDenied = []string{
	"mkfs", "fdisk", "wipefs", "shred", "dd", "parted", "mkswap", "blkdiscard",
	"reboot", "shutdown", "poweroff", "halt", "init",
}

var alwaysForbiddenPatterns = []string{
	`rm\s+-rf\s+/\s*$`,
	`rm\s+-rf\s+/\s+`,
	`dd\s+if=.*of=/dev/`,
	`mkfs\.`,
	`:\(\)\s*\{\s*:\s*\|\s*:`,
	`>\s*/dev/sd`,
	`docker\s+rm\s+-f`,
	`docker\s+system\s+prune`,
	`docker\s+volume\s+rm`,
	`docker\s+image\s+prune`,
	`podman\s+rm\s+-f`,
	`zfs\s+destroy`,
	`zpool\s+destroy`,
	`pct\s+destroy`,
	`qm\s+destroy`,
	`pvecm\s+delnode`,
	`drop\s+(database|table)`,
	`truncate\s+table`,
}

// shellOperatorPattern matches the chaining/redirection/injection operators
// forbidden at LOW and (mostly) at MEDIUM. Backticks and $( ) are command
// substitution; the rest are control operators, pipes or redirection.
const shellOperatorPattern = "(&&|\\|\\||[;>|]|<|`|\\$\\()"

var lowForbiddenPatterns = []string{
	shellOperatorPattern,
	`(^|\s)sudo(\s|$)`,
}

// mediumForbiddenPatterns is shellOperatorPattern without the single pipe: pipes are
// validated structurally in Validate (every pipe segment's head must be
// medium-allowed), not rejected outright. Sudo is still forbidden below HIGH.
var mediumForbiddenPatterns = []string{
	`(&&|\|\||[;>]|<|` + "`" + `|\$\()`,
	`(^|\s)sudo(\s|$)`,
}

// DefaultTables returns the built-in three-tier policy data described in
// package policy's documentation. It panics if the nesting or the
// high-allowed/always-denied disjointness invariant is violated, which can
// only happen if this function itself is edited incorrectly.
func DefaultTables() Tables {
	low := toSet(lowHeads...)
	medium := union(low, toSet(mediumHeads...))
	high := union(medium, toSet(highHeads...))
	denied := toSet(alwaysDenied...)

	for name := range denied {
		if _, ok := high[name]; ok {
			panic("policy: " + name + " present in both high_allowed and always_denied")
		}
	}

	return Tables{
		LowAllowed:    low,
		MediumAllowed: medium,
		HighAllowed:   high,
		AlwaysDenied:  denied,
		AlwaysForbiddenPatterns: alwaysForbiddenPatterns,
		TierForbiddenPatterns: map[Tier][]string{
			TierLow:    lowForbiddenPatterns,
			TierMedium: mediumForbiddenPatterns,
			TierHigh:   {},
		},
	}
}

// AllowedFor returns the allowed-head set for a tier.
func (t Tables) AllowedFor(tier Tier) map[string]struct{} {
	switch tier {
	case TierLow:
		return t.LowAllowed
	case TierHigh:
		return t.HighAllowed
	default:
		return t.MediumAllowed
	}
}
