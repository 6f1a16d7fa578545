package platform

// DarwinDefaults returns watcher defaults for macOS hosts.
func DarwinDefaults() Defaults {
	return Defaults{
		SocketPath: "/tmp/vigil.sock",
		JournalDir: "~/.vigil/events",
		WatchPaths: []string{
			"~/Documents",
			"~/Downloads",
			"~/Desktop",
		},
		SensitivePaths: []string{
			"/etc/hosts",
			"/etc/sudoers",
			"/Library/LaunchAgents",
			"/Library/LaunchDaemons",
			"~/Library/LaunchAgents",
			"~/.ssh",
			"~/.zshrc",
			"~/.bash_profile",
		},
		ExecutableExtensions: []string{".sh", ".command", ".app", ".dylib", ".pkg", ".py", ".scpt"},
		SuspiciousPatterns: []string{
			`(?i)\bnc(at)?\b.*\s-e\s`,
			`bash\s+-i\s+>&\s*/dev/tcp/`,
			`(?i)curl\s+[^|]*\|\s*(ba|z)?sh`,
			`(?i)osascript\s+-e\s+.*do shell script`,
			`(?i)\b(xmrig|minerd)\b`,
			`(?i)base64\s+(-D|-d|--decode)`,
			`(?i)security\s+dump-keychain`,
		},
		UnusualParents: []string{"launchd-helper", "cron", "atrun", "Microsoft Word", "Preview", "Safari"},
		Shells:         []string{"sh", "bash", "zsh", "dash"},
	}
}
