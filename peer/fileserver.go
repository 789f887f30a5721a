package peer

import (
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wisp92/peershare/internal/config"
	"github.com/wisp92/peershare/internal/sharedir"
	"github.com/wisp92/peershare/wire"
)

// --------------------------------------------------------------------------------------------- //

/*
fileServer answers SimpleDownload requests against one shared directory. It is
the handler behind the server manager a peer starts at login; the directory is
fixed for the lifetime of that server.

Fields:
  - dir: The shared directory served.
  - cfg: Startup knobs, used for the reply write deadline.
*/
type fileServer struct {
	dir string
	cfg *config.Config
}

// --------------------------------------------------------------------------------------------- //

/*
ServeConn handles one request on a peer's server. Only SimpleDownload is
served; anything else is ignored without a reply. A requested name carrying
path separators, escaping the shared directory, or naming an absent file is
refused with a Failure reply.

Parameters:
  - conn: The worker's connection.
  - req: The request the worker read.
*/
func (fs *fileServer) ServeConn(conn net.Conn, req *wire.Request) {
	if req.Type != wire.SimpleDownload {
		log.Warnf("File server ignoring request type %d from %s", req.Type, conn.RemoteAddr())
		return
	}

	var dl wire.DownloadRequest
	if err := wire.DecodePayload(req.Payload, &dl); err != nil {
		log.Warnf("Download request from %s: %v", conn.RemoteAddr(), err)
		return
	}

	path, err := sharedir.Resolve(fs.dir, dl.Filename)
	if err != nil {
		log.Infof("Refusing download %q: %v", dl.Filename, err)
		fs.reply(conn, wire.Failure, nil)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Infof("Refusing download %q: %v", dl.Filename, err)
		fs.reply(conn, wire.Failure, nil)
		return
	}

	log.Infof("Serving %q (%d bytes) to %s", dl.Filename, len(data), conn.RemoteAddr())
	fs.reply(conn, wire.Success, wire.FileData{Data: string(data)})
}

// --------------------------------------------------------------------------------------------- //

func (fs *fileServer) reply(conn net.Conn, status wire.ReplyStatus, payload interface{}) {
	rep, err := wire.NewReply(status, payload)
	if err != nil {
		log.Errorf("Building download reply: %v", err)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(fs.cfg.IOTimeout))

	if err := wire.WriteReply(conn, rep); err != nil {
		log.Debugf("Writing download reply to %s: %v", conn.RemoteAddr(), err)
	}
}

// --------------------------------------------------------------------------------------------- //
