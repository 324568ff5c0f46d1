package main

import "fmt"

// version is devmgrd's own release number, printed by -V/--version the
// same way udevd.c's parse_argv prints PACKAGE_VERSION.
const version = "1.0.0"

const usageText = `devmgrd [OPTIONS...]

Manages devices.

  -h --help                   Print this message
  -V --version                Print version of the program
  -d --daemon                 Detach and run in the background
  -D --debug                  Enable debug output
  -c --children-max=INT       Set maximum number of workers
  -e --exec-delay=DURATION    Time to wait before executing rule actions
                              (Go duration with unit, e.g. 5s; a bare
                              number of seconds is rejected)
  -t --event-timeout=DURATION Time to wait before terminating an event
                              (Go duration with unit, e.g. 180s)
  -N --resolve-names=early|late|never
                              When to resolve users and groups
`

func printVersion() {
	fmt.Println(version)
}

func printUsage() {
	fmt.Print(usageText)
}
