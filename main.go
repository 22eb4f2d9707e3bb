// A command to run and access NBD servers
package main

import (
	"os"

	"github.com/rclone/unbd/app"
	"github.com/sirupsen/logrus"

	_ "github.com/rclone/unbd/backend/aiofile"
	_ "github.com/rclone/unbd/backend/file"
	_ "github.com/rclone/unbd/backend/memory"
)

// main() is the main program entry
//
// this is a wrapper to enable us to put the interesting stuff in a package
func main() {
	if err := app.New().Run(os.Args); err != nil {
		logrus.Fatal("Error when executing command: ", err)
	}
}
