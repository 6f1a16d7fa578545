package platform

// WindowsDefaults returns watcher defaults for Windows hosts.
func WindowsDefaults() Defaults {
	return Defaults{
		SocketPath: `C:\ProgramData\vigil\vigil.sock`,
		JournalDir: `C:\ProgramData\vigil\events`,
		WatchPaths: []string{
			"~/Documents",
			"~/Downloads",
			"~/Desktop",
		},
		SensitivePaths: []string{
			`C:\Windows\System32\drivers\etc\hosts`,
			`C:\ProgramData\Microsoft\Windows\Start Menu\Programs\StartUp`,
			"~/AppData/Roaming/Microsoft/Windows/Start Menu/Programs/Startup",
		},
		ExecutableExtensions: []string{".exe", ".dll", ".ps1", ".bat", ".cmd", ".vbs", ".js", ".hta", ".scr", ".msi"},
		SuspiciousPatterns: []string{
			`(?i)powershell.*-enc(odedcommand)?\s`,
			`(?i)powershell.*-w(indowstyle)?\s+hidden`,
			`(?i)certutil.*-urlcache`,
			`(?i)\bmshta\b.*https?://`,
			`(?i)rundll32.*javascript:`,
			`(?i)vssadmin.*delete\s+shadows`,
			`(?i)\b(mimikatz|procdump|rclone)\b`,
		},
		UnusualParents: []string{"winword.exe", "excel.exe", "powerpnt.exe", "outlook.exe", "w3wp.exe", "sqlservr.exe", "wmiprvse.exe"},
		Shells:         []string{"cmd.exe", "powershell.exe", "pwsh.exe"},
	}
}
