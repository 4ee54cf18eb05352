package shell

import "strings"

const helpText = "Available commands: help, exit, reboot, status, config, show\r\n"

// Profile is a simulated telnet device.
type Profile struct {
	Name     string
	Hostname string
	Banner   string
	Prompt   string
	Table    *Table
}

func deviceBase() *Table {
	return &Table{
		Exact: map[string]string{
			"help":   helpText,
			"?":      helpText,
			"exit":   "Goodbye\r\n",
			"quit":   "Goodbye\r\n",
			"reboot": "System rebooting...\r\n",
			"status": "System Status: OK\r\nUptime: 45 days\r\nMemory: 128MB\r\n",
			"show":   "Device Information\r\nModel: Generic IoT Device\r\nFirmware: 2.1.5\r\n",
			"config": "Configuration:\r\nIP: 192.168.1.1\r\nMask: 255.255.255.0\r\n",
			"ls":     "bin  dev  etc  lib  proc  sbin  tmp  usr  var\r\n",
			"pwd":    "/root\r\n",
			"whoami": "root\r\n",
			"id":     "uid=0(root) gid=0(root) groups=0(root)\r\n",
		},
		Prefixes: []PrefixRule{
			{Prefixes: []string{"cat ", "more "}, Response: "Permission denied\r\n"},
			{Prefixes: []string{"cd "}, Response: ""},
			{Prefixes: []string{"wget ", "curl "}, Response: "Command not found\r\n"},
			{Prefixes: []string{"rm ", "del "}, Response: "Permission denied\r\n"},
		},
		Fallback: func(first string) string {
			return first + ": command not found\r\n"
		},
		FoldExact: true,
	}
}

var profiles = map[string]Profile{
	"router": {
		Name:     "router",
		Hostname: "router",
		Banner:   "Welcome to Generic Router\r\nLogin: ",
		Prompt:   "router> ",
		Table:    deviceBase(),
	},
	"camera": {
		Name:     "camera",
		Hostname: "ipcam",
		Banner:   "IP Camera System v2.1\r\nlogin: ",
		Prompt:   "ipcam# ",
		Table: deviceBase().With(map[string]string{
			"show":   "Device Information\r\nModel: IPC-HD2100\r\nFirmware: 2.1.5\r\nSensor: 1/2.8\" CMOS\r\n",
			"status": "System Status: OK\r\nUptime: 45 days\r\nStreams: 2 active\r\nStorage: SD 32GB (71% used)\r\n",
			"config": "Configuration:\r\nIP: 192.168.1.108\r\nMask: 255.255.255.0\r\nRTSP: 554\r\nONVIF: enabled\r\n",
		}),
	},
	"dvr": {
		Name:     "dvr",
		Hostname: "dvr",
		Banner:   "DVR System Console\r\nUsername: ",
		Prompt:   "dvr$ ",
		Table: deviceBase().With(map[string]string{
			"show":   "Device Information\r\nModel: DVR-0804\r\nChannels: 8\r\nFirmware: 3.4.2\r\n",
			"status": "System Status: OK\r\nUptime: 45 days\r\nRecording: ch1-ch8\r\nHDD: 1TB (88% used)\r\n",
			"config": "Configuration:\r\nIP: 192.168.1.64\r\nMask: 255.255.255.0\r\nHTTP: 80\r\nMedia: 9000\r\n",
		}),
	},
}

// LookupProfile returns the named device profile, falling back to router.
func LookupProfile(name string) Profile {
	if p, ok := profiles[strings.ToLower(name)]; ok {
		return p
	}
	return profiles["router"]
}

func ProfileNames() []string {
	return []string{"router", "camera", "dvr"}
}

// IsDeviceExit reports whether the line ends a telnet shell.
func IsDeviceExit(command string) bool {
	switch strings.ToLower(strings.TrimSpace(command)) {
	case "exit", "quit", "logout":
		return true
	}
	return false
}
