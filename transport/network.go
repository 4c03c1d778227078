package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/notargets/pstream/utils"
)

// Network connects worker processes all-to-all over TCP. The rank of each
// process is the position of its address in the sorted address list, so all
// processes agree on it without coordination. Each pair of processes uses two
// connections: the one this process dialled carries its sends, the one it
// accepted carries the peer's sends.
type Network struct {
	NetProto string        // defaults to "tcp"
	Addr     string        // address of this process, one of Addrs
	Addrs    []string      // addresses of every process
	Timeout  time.Duration // Init fails if the mesh is not up within it; zero waits forever
	Password string
	Logger   *zerolog.Logger

	myRank int
	nNodes int
	log    zerolog.Logger

	mb    *utils.MailBox[envelope] // one queue: everything received by this process
	peers []*peer
}

type peer struct {
	mu     sync.Mutex // serialises frames on dial
	dial   net.Conn
	listen net.Conn
}

// handshake is exchanged in both directions when a connection opens.
type handshake struct {
	Password string
	ID       int
}

const (
	frameHeaderBytes = 24
	// abortComm marks a frame that tears the group down; its payload is the
	// reason.
	abortComm = -1
)

// Init validates the address list, assigns the rank and opens the mesh.
func (n *Network) Init() (err error) {
	if n.NetProto == "" {
		n.NetProto = "tcp"
	}
	if n.Logger != nil {
		n.log = *n.Logger
	} else {
		n.log = zerolog.Nop()
	}
	n.Addrs = slices.Clone(n.Addrs)
	slices.Sort(n.Addrs)
	for i := 0; i < len(n.Addrs)-1; i++ {
		if n.Addrs[i] == n.Addrs[i+1] {
			return errors.Wrapf(utils.ErrInvalidArgument, "address %s listed twice", n.Addrs[i])
		}
	}
	var found bool
	if n.myRank, found = slices.BinarySearch(n.Addrs, n.Addr); !found {
		return errors.Wrapf(utils.ErrInvalidArgument, "local address %s not in %v", n.Addr, n.Addrs)
	}
	n.nNodes = len(n.Addrs)
	n.mb = utils.NewMailBox[envelope](1)
	n.peers = make([]*peer, n.nNodes)
	for i := range n.peers {
		n.peers[i] = &peer{}
	}
	n.log = n.log.With().Int("rank", n.myRank).Str("addr", n.Addr).Logger()

	var (
		wg                 sync.WaitGroup
		listenErr, dialErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		listenErr = n.acceptAll()
	}()
	go func() {
		defer wg.Done()
		dialErr = n.dialAll()
	}()
	wg.Wait()
	if listenErr != nil {
		n.closeConns()
		return errors.Wrap(listenErr, "network init")
	}
	if dialErr != nil {
		n.closeConns()
		return errors.Wrap(dialErr, "network init")
	}
	for id, p := range n.peers {
		if id != n.myRank {
			go n.readFrames(id, p.listen)
		}
	}
	n.log.Debug().Int("nNodes", n.nNodes).Msg("network up")
	return nil
}

func (n *Network) acceptAll() error {
	listener, err := net.Listen(n.NetProto, n.Addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	defer listener.Close()
	if n.Timeout > 0 {
		if tl, ok := listener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(n.Timeout))
		}
	}
	for accepted := 0; accepted < n.nNodes-1; accepted++ {
		conn, err := listener.Accept()
		if err != nil {
			return errors.Wrap(err, "accept")
		}
		var msg handshake
		if err = gob.NewDecoder(conn).Decode(&msg); err != nil {
			conn.Close()
			return errors.Wrap(err, "read handshake")
		}
		id, err := n.checkHandshake(msg)
		if err != nil {
			conn.Close()
			return err
		}
		if err = gob.NewEncoder(conn).Encode(handshake{Password: n.Password, ID: n.myRank}); err != nil {
			conn.Close()
			return errors.Wrap(err, "write handshake")
		}
		n.peers[id].listen = conn
	}
	return nil
}

func (n *Network) dialAll() error {
	var (
		wg   sync.WaitGroup
		errs = make([]error, n.nNodes)
	)
	for id := range n.nNodes {
		if id == n.myRank {
			continue
		}
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			errs[id] = n.dial(id)
		}(id)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (n *Network) dial(id int) (err error) {
	var (
		conn  net.Conn
		start = time.Now()
	)
	// Peers start at different times; keep dialling until they listen.
	for {
		if conn, err = net.DialTimeout(n.NetProto, n.Addrs[id], time.Second); err == nil {
			break
		}
		if n.Timeout > 0 && time.Since(start) > n.Timeout {
			return errors.Wrapf(err, "dial %s", n.Addrs[id])
		}
		time.Sleep(300 * time.Millisecond)
	}
	if err = gob.NewEncoder(conn).Encode(handshake{Password: n.Password, ID: n.myRank}); err != nil {
		conn.Close()
		return errors.Wrapf(err, "handshake with %s", n.Addrs[id])
	}
	var msg handshake
	if err = gob.NewDecoder(conn).Decode(&msg); err != nil {
		conn.Close()
		return errors.Wrapf(err, "handshake with %s", n.Addrs[id])
	}
	if got, err := n.checkHandshake(msg); err != nil || got != id {
		conn.Close()
		if err == nil {
			err = errors.Wrapf(utils.ErrInvalidArgument, "dialled %s but reached rank %d", n.Addrs[id], got)
		}
		return err
	}
	n.peers[id].dial = conn
	return nil
}

func (n *Network) checkHandshake(msg handshake) (int, error) {
	if msg.Password != n.Password {
		return -1, errors.Wrap(utils.ErrInvalidArgument, "bad password")
	}
	if msg.ID < 0 || msg.ID >= n.nNodes || msg.ID == n.myRank {
		return -1, errors.Wrapf(utils.ErrInvalidArgument, "bad peer id %d", msg.ID)
	}
	return msg.ID, nil
}

// readFrames moves every frame from one peer into the mailbox until the peer
// closes the connection.
func (n *Network) readFrames(src int, conn net.Conn) {
	var (
		rd     = bufio.NewReader(conn)
		header = make([]byte, frameHeaderBytes)
	)
	for {
		if _, err := io.ReadFull(rd, header); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				n.mb.Abort(errors.Wrapf(utils.ErrAborted, "connection to rank %d: %v", src, err))
			}
			return
		}
		var (
			comm    = int(int64(binary.LittleEndian.Uint64(header[0:])))
			tag     = int(int64(binary.LittleEndian.Uint64(header[8:])))
			size    = binary.LittleEndian.Uint64(header[16:])
			payload = make([]byte, size)
		)
		if _, err := io.ReadFull(rd, payload); err != nil {
			n.mb.Abort(errors.Wrapf(utils.ErrAborted, "truncated frame from rank %d: %v", src, err))
			return
		}
		if comm == abortComm {
			n.log.Error().Int("from", src).Str("reason", string(payload)).Msg("group aborted by peer")
			n.mb.Abort(errors.Wrapf(utils.ErrAborted, "rank %d: %s", src, payload))
			return
		}
		if err := n.mb.PostMessage(0, envelope{Source: src, Comm: comm, Tag: tag, Payload: payload}); err != nil {
			return
		}
	}
}

func (n *Network) Size() int { return n.nNodes }
func (n *Network) Rank() int { return n.myRank }

func (n *Network) Send(dest, comm, tag int, payload []byte) error {
	if dest < 0 || dest >= n.nNodes {
		return errors.Wrapf(utils.ErrInvalidArgument, "send to rank %d of %d", dest, n.nNodes)
	}
	if dest == n.myRank {
		return n.mb.PostMessage(0, envelope{
			Source:  n.myRank,
			Comm:    comm,
			Tag:     tag,
			Payload: append([]byte(nil), payload...),
		})
	}
	if err := n.mb.Aborted(); err != nil {
		return err
	}
	return n.writeFrame(dest, comm, tag, payload)
}

func (n *Network) writeFrame(dest, comm, tag int, payload []byte) error {
	header := make([]byte, frameHeaderBytes)
	binary.LittleEndian.PutUint64(header[0:], uint64(int64(comm)))
	binary.LittleEndian.PutUint64(header[8:], uint64(int64(tag)))
	binary.LittleEndian.PutUint64(header[16:], uint64(len(payload)))
	p := n.peers[dest]
	p.mu.Lock()
	defer p.mu.Unlock()
	bufs := net.Buffers{header, payload}
	if _, err := bufs.WriteTo(p.dial); err != nil {
		return errors.Wrapf(err, "send to rank %d", dest)
	}
	return nil
}

func (n *Network) Recv(src, comm, tag int) ([]byte, error) {
	if src < 0 || src >= n.nNodes {
		return nil, errors.Wrapf(utils.ErrInvalidArgument, "receive from rank %d of %d", src, n.nNodes)
	}
	msg, err := n.mb.ReceiveMessage(0, matchEnvelope(src, comm, tag))
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// Abort tells every peer to abort, then fails local receives.
func (n *Network) Abort(err error) {
	reason := []byte(err.Error())
	for id := range n.peers {
		if id != n.myRank && n.peers[id].dial != nil {
			_ = n.writeFrame(id, abortComm, 0, reason)
		}
	}
	n.mb.Abort(errors.Wrapf(utils.ErrAborted, "rank %d: %v", n.myRank, err))
}

func (n *Network) Close() error {
	return n.closeConns()
}

func (n *Network) closeConns() (err error) {
	for _, p := range n.peers {
		for _, c := range []net.Conn{p.dial, p.listen} {
			if c == nil {
				continue
			}
			if e := c.Close(); e != nil && err == nil && !errors.Is(e, net.ErrClosed) {
				err = e
			}
		}
	}
	return
}
