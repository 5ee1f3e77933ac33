/*
Package executor defines the command-processor boundary of the shell
channel: the Result envelope that carries every command outcome over the
wire, the Processor interface the serving loop invokes for each decoded
statement, and a built-in processor that runs statements through the system
shell with captured output and an interactive read builtin.

The session layer treats a packed Result as an opaque blob. It only ever
looks at two things: the success flag, to surface remote failures, and the
input-requested marker, which triggers a nested protected round trip that
pulls one more line from the peer mid-command.
*/
package executor
