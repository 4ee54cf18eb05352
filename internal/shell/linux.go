package shell

import "strings"

const LinuxPrompt = "root@ubuntu-server:~# "

const lsLong = "total 32\n" +
	"drwxr-xr-x 6 root root 4096 Nov 19 10:00 .\n" +
	"drwxr-xr-x 3 root root 4096 Nov 19 09:00 ..\n" +
	"-rw-r--r-- 1 root root  220 Nov 19 09:00 .bash_logout\n" +
	"-rw-r--r-- 1 root root 3771 Nov 19 09:00 .bashrc\n" +
	"drwxr-xr-x 2 root root 4096 Nov 19 10:00 Desktop\n" +
	"drwxr-xr-x 2 root root 4096 Nov 19 10:00 Documents\n"

// Linux is the table behind the SSH shell. Exact lookups are case
// sensitive, as bash is.
func Linux() *Table {
	return &Table{
		Exact: map[string]string{
			"whoami":   "root\n",
			"pwd":      "/root\n",
			"uname":    "Linux\n",
			"uname -a": "Linux ubuntu 5.4.0-42-generic #46-Ubuntu SMP Fri Jul 10 00:24:02 UTC 2020 x86_64 x86_64 x86_64 GNU/Linux\n",
			"id":       "uid=0(root) gid=0(root) groups=0(root)\n",
			"hostname": "ubuntu-server\n",
			"ls":       "Desktop  Documents  Downloads  Music  Pictures  Videos\n",
			"ls -la":   lsLong,
		},
		Prefixes: []PrefixRule{
			{Prefixes: []string{"cat ", "more "}, Response: "Permission denied\n"},
			{Prefixes: []string{"cd "}, Response: ""},
			{Prefixes: []string{"wget ", "curl "}, Response: "Command not found\n"},
		},
		Fallback: func(first string) string {
			return "bash: " + first + ": command not found\n"
		},
	}
}

// IsLogout reports whether the line ends an SSH shell.
func IsLogout(command string) bool {
	switch strings.ToLower(strings.TrimSpace(command)) {
	case "exit", "logout":
		return true
	}
	return false
}
