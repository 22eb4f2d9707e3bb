// Package aiofile implements an nbd.Backend serving an image file through
// Linux asynchronous I/O. On other systems the package is empty.
package aiofile
