package platform

// LinuxDefaults returns watcher defaults for Linux hosts.
func LinuxDefaults() Defaults {
	return Defaults{
		SocketPath: "/tmp/vigil.sock",
		JournalDir: "~/.local/state/vigil/events",
		WatchPaths: []string{
			"~/Documents",
			"~/Downloads",
			"~/Desktop",
			"/tmp",
		},
		SensitivePaths: []string{
			"/etc/passwd",
			"/etc/shadow",
			"/etc/sudoers",
			"/etc/crontab",
			"/etc/cron.d",
			"/etc/systemd/system",
			"/etc/ld.so.preload",
			"~/.ssh",
			"~/.bashrc",
			"~/.profile",
			"~/.config/autostart",
		},
		ExecutableExtensions: []string{".sh", ".py", ".pl", ".elf", ".bin", ".so", ".AppImage"},
		SuspiciousPatterns: []string{
			`(?i)\bnc(at)?\b.*\s-e\s`,
			`bash\s+-i\s+>&\s*/dev/tcp/`,
			`(?i)\b(xmrig|minerd|cpuminer)\b`,
			`(?i)curl\s+[^|]*\|\s*(ba)?sh`,
			`(?i)wget\s+[^|]*\|\s*(ba)?sh`,
			`(?i)base64\s+(-d|--decode)`,
			`/dev/shm/`,
			`(?i)\b(mimikatz|lazagne|linpeas)\b`,
		},
		UnusualParents: []string{"cron", "crond", "atd", "nginx", "apache2", "httpd", "php-fpm", "mysqld", "postgres"},
		Shells:         []string{"sh", "bash", "dash", "zsh", "ksh"},
	}
}
