package comm

import (
	"sort"

	bugserial "go.bug.st/serial"
)

// Ports lists the serial ports present on the system, sorted by name
func Ports() ([]string, error) {
	ports, err := bugserial.GetPortsList()
	if err != nil {
		return nil, err
	}
	sort.Strings(ports)
	return ports, nil
}
