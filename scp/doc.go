// Package scp implements the classic remote-copy protocol spoken by
// "scp -f" (source) and "scp -t" (sink) over a remote command's stdin and
// stdout.
//
// A session alternates newline-terminated control lines with raw file
// bodies:
//
//	T<mtime> <mtime-us> <atime> <atime-us>
//	C<mode> <size> <name>   followed by <size> bytes and a 0x00 status byte
//	D<mode> <size> <name>
//	E
//
// Every control line and every file body is answered with a single
// acknowledgement byte, 0x00 on success. A byte of 1 or 2 followed by a
// message line reports an error.
//
// The sink acknowledges C headers as soon as they are parsed, like OpenSSH,
// and acknowledges the body again after its status byte.
package scp
