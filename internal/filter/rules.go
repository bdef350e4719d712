package filter

import "regexp"

// Terminal deny rules, in evaluation order. Destructive filesystem
// operations and privilege escalation come first; download-and-execute
// and obfuscation vectors after.
func terminalDenyRules() []DenyRule {
	return []DenyRule{
		{Name: "rm-recursive-root", Pattern: regexp.MustCompile(`(?i)\brm\b[^|;&]*-[a-z]*[rf][a-z]*\b`)},
		{Name: "filesystem-format", Pattern: regexp.MustCompile(`(?i)\b(mkfs|fdisk|parted|wipefs)\b`)},
		{Name: "raw-device-write", Pattern: regexp.MustCompile(`(?i)\bdd\b.*\bof=/dev/`)},
		{Name: "privilege-escalation", Pattern: regexp.MustCompile(`(?i)\b(sudo|doas|su)\b`)},
		{Name: "world-writable-chmod", Pattern: regexp.MustCompile(`(?i)\bchmod\b\s+(-[a-z]+\s+)*0?777\b`)},
		{Name: "ownership-takeover", Pattern: regexp.MustCompile(`(?i)\bchown\b.*\broot\b`)},
		{Name: "fork-bomb", Pattern: regexp.MustCompile(`:\s*\(\s*\)\s*\{`)},
		{Name: "pipe-to-shell", Pattern: regexp.MustCompile(`(?i)\b(curl|wget)\b.*\|\s*(ba|z|da|k)?sh\b`)},
		{Name: "remote-decode-exec", Pattern: regexp.MustCompile(`(?i)\bbase64\b.*\|\s*(ba|z|da|k)?sh\b`)},
		{Name: "eval-injection", Pattern: regexp.MustCompile(`(?i)\beval\b\s*["$]`)},
		{Name: "shell-history-wipe", Pattern: regexp.MustCompile(`(?i)\bhistory\s+-c\b|unset\s+HISTFILE`)},
		{Name: "power-control", Pattern: regexp.MustCompile(`(?i)\b(shutdown|reboot|halt|poweroff)\b`)},
		{Name: "kernel-module", Pattern: regexp.MustCompile(`(?i)\b(insmod|rmmod|modprobe)\b`)},
		{Name: "daemon-stop", Pattern: regexp.MustCompile(`(?i)\bsystemctl\b\s+(stop|disable|mask|kill)\b`)},
		{Name: "kill-sweep", Pattern: regexp.MustCompile(`(?i)\b(killall|pkill)\b`)},
	}
}

// Terminal allow categories. A match here still needs the category on the
// profile's allowed list; otherwise it escalates.
func terminalAllowRules() []AllowRule {
	return []AllowRule{
		{Category: "file-browsing", Pattern: regexp.MustCompile(`(?i)^(ls|pwd|cd|tree|find|du|df)\b`)},
		{Category: "file-reading", Pattern: regexp.MustCompile(`(?i)^(cat|less|more|head|tail|grep|wc)\b`)},
		{Category: "editing", Pattern: regexp.MustCompile(`(?i)^(nano|vim|vi|emacs|code)\b`)},
		{Category: "development", Pattern: regexp.MustCompile(`(?i)^(git|make|go|python3?|node|npm|cargo|javac?)\b`)},
		{Category: "networking-read", Pattern: regexp.MustCompile(`(?i)^(ping|host|dig|nslookup)\b`)},
		{Category: "system-info", Pattern: regexp.MustCompile(`(?i)^(uname|whoami|id|date|uptime|ps|top|htop|free)\b`)},
	}
}

// Content deny rules for accesses reported by the content filter.
func contentDenyRules() []DenyRule {
	return []DenyRule{
		{Name: "adult-content", Pattern: regexp.MustCompile(`(?i)\b(porn|xxx|adult[-_.]?(video|content|site)s?)\b`)},
		{Name: "gambling", Pattern: regexp.MustCompile(`(?i)\b(casino|poker|betting|roulette|slots?)\b`)},
		{Name: "weapons-market", Pattern: regexp.MustCompile(`(?i)\b(gun|firearm|ammo)[-_.]?(shop|store|sale)s?\b`)},
		{Name: "drug-market", Pattern: regexp.MustCompile(`(?i)\bdark[-_.]?(web|net|market)\b`)},
		{Name: "proxy-evasion", Pattern: regexp.MustCompile(`(?i)\b(unblock(er|ed)?|web[-_.]?proxy|vpn[-_.]?free|hide[-_.]?my)\b`)},
	}
}

// Content allow categories.
func contentAllowRules() []AllowRule {
	return []AllowRule{
		{Category: "education", Pattern: regexp.MustCompile(`(?i)\b(wikipedia|khanacademy|coursera|edx|\.edu)\b`)},
		{Category: "reference", Pattern: regexp.MustCompile(`(?i)\b(dictionary|encyclopedia|stackoverflow|docs?\.)\b`)},
		{Category: "news", Pattern: regexp.MustCompile(`(?i)\b(bbc|reuters|apnews|npr)\b`)},
	}
}
