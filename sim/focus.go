package sim

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// FocusLimit is the travel of the simulated focus actuator, um either side of zero
const FocusLimit = 500

// FocusController emulates a fast focus and Pockels controller on a TCP
// socket, speaking the line protocol of package fastz
type FocusController struct {
	ln net.Listener

	mu      sync.Mutex
	z       float64
	pockels float64
	errs    []string
	moves   int
}

// NewFocusController listens on addr, e.g. "127.0.0.1:0", and serves
// connections until Close
func NewFocusController(addr string) (*FocusController, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	f := &FocusController{ln: ln}
	go f.serve()
	return f, nil
}

// Addr is the address the controller listens on
func (f *FocusController) Addr() string { return f.ln.Addr().String() }

// Close stops listening
func (f *FocusController) Close() error { return f.ln.Close() }

// State returns the focus, Pockels level and number of focus moves
func (f *FocusController) State() (z, pockels float64, moves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.z, f.pockels, f.moves
}

func (f *FocusController) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *FocusController) handle(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		if out := f.exec(sc.Text()); len(out) > 0 {
			fmt.Fprintf(conn, "%s\n", strings.Join(out, ";"))
		}
	}
}

// exec runs one line of ;-separated commands and returns the query replies
func (f *FocusController) exec(line string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, cmd := range strings.Split(line, ";") {
		cmd = strings.TrimLeft(strings.TrimSpace(cmd), ":")
		if cmd == "" {
			continue
		}
		head, arg := cmd, ""
		if i := strings.IndexByte(cmd, ' '); i >= 0 {
			head, arg = cmd[:i], strings.TrimSpace(cmd[i+1:])
		}
		switch strings.ToUpper(head) {
		case "*CLS":
			f.errs = nil
		case "*IDN?":
			out = append(out, "JPL,SIMFOCUS,0,1.0")
		case "FOCUS:POSITION", "FOC:POS":
			v, err := strconv.ParseFloat(arg, 64)
			switch {
			case err != nil:
				f.errs = append(f.errs, "-104,Data type error")
			case v < -FocusLimit || v > FocusLimit:
				f.errs = append(f.errs, "-222,Data out of range")
			default:
				f.z = v
				f.moves++
			}
		case "FOCUS:POSITION?", "FOC:POS?":
			out = append(out, strconv.FormatFloat(f.z, 'G', -1, 64))
		case "POCKELS:LEVEL", "POCK:LEV":
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil || v < 0 || v > 1 {
				f.errs = append(f.errs, "-222,Data out of range")
				continue
			}
			f.pockels = v
		case "POCKELS:LEVEL?", "POCK:LEV?":
			out = append(out, strconv.FormatFloat(f.pockels, 'G', -1, 64))
		case "SYSTEM:ERROR?", "SYST:ERR?":
			if len(f.errs) == 0 {
				out = append(out, "+0,No error")
				continue
			}
			out = append(out, f.errs[0])
			f.errs = f.errs[1:]
		default:
			f.errs = append(f.errs, "-113,Undefined header")
		}
	}
	return out
}
