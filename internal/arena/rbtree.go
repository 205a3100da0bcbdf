package arena

// Standard left-leaning-free red-black tree insert/delete (Cormen et al.),
// keyed by segment base address. Kept separate from arena.go so the
// page-allocation policy above stays readable independent of tree mechanics.

func (a *Arena) rotateLeft(x *node) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == nil:
		a.root = y
	case x == x.parent.left:
		x.parent.left = y
	default:
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (a *Arena) rotateRight(x *node) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == nil:
		a.root = y
	case x == x.parent.right:
		x.parent.right = y
	default:
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

func (a *Arena) insert(base, size uint64) *node {
	z := &node{base: base, size: size, red: true}
	var y *node
	x := a.root
	for x != nil {
		y = x
		if z.base < x.base {
			x = x.left
		} else {
			x = x.right
		}
	}
	z.parent = y
	switch {
	case y == nil:
		a.root = z
	case z.base < y.base:
		y.left = z
	default:
		y.right = z
	}
	a.insertFixup(z)
	return z
}

func (a *Arena) insertFixup(z *node) {
	for z.parent != nil && z.parent.red {
		gp := z.parent.parent
		if gp == nil {
			break
		}
		if z.parent == gp.left {
			u := gp.right
			if isRed(u) {
				z.parent.red = false
				u.red = false
				gp.red = true
				z = gp
				continue
			}
			if z == z.parent.right {
				z = z.parent
				a.rotateLeft(z)
			}
			z.parent.red = false
			gp.red = true
			a.rotateRight(gp)
		} else {
			u := gp.left
			if isRed(u) {
				z.parent.red = false
				u.red = false
				gp.red = true
				z = gp
				continue
			}
			if z == z.parent.left {
				z = z.parent
				a.rotateRight(z)
			}
			z.parent.red = false
			gp.red = true
			a.rotateLeft(gp)
		}
	}
	a.root.red = false
}

func isRed(n *node) bool {
	return n != nil && n.red
}

func (a *Arena) transplant(u, v *node) {
	switch {
	case u.parent == nil:
		a.root = v
	case u == u.parent.left:
		u.parent.left = v
	default:
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

func minimum(n *node) *node {
	for n.left != nil {
		n = n.left
	}
	return n
}

func (a *Arena) delete(z *node) {
	y := z
	yWasRed := y.red
	var x *node
	var xParent *node

	switch {
	case z.left == nil:
		x = z.right
		xParent = z.parent
		a.transplant(z, z.right)
	case z.right == nil:
		x = z.left
		xParent = z.parent
		a.transplant(z, z.left)
	default:
		y = minimum(z.right)
		yWasRed = y.red
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			a.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		a.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.red = z.red
	}
	if !yWasRed {
		a.deleteFixup(x, xParent)
	}
}

func (a *Arena) deleteFixup(x, parent *node) {
	for x != a.root && !isRed(x) {
		if parent == nil {
			break
		}
		if x == parent.left {
			w := parent.right
			if isRed(w) {
				w.red = false
				parent.red = true
				a.rotateLeft(parent)
				w = parent.right
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if !isRed(w.left) && !isRed(w.right) {
				w.red = true
				x = parent
				parent = x.parent
				continue
			}
			if !isRed(w.right) {
				if w.left != nil {
					w.left.red = false
				}
				w.red = true
				a.rotateRight(w)
				w = parent.right
			}
			w.red = parent.red
			parent.red = false
			if w.right != nil {
				w.right.red = false
			}
			a.rotateLeft(parent)
			x = a.root
			parent = nil
		} else {
			w := parent.left
			if isRed(w) {
				w.red = false
				parent.red = true
				a.rotateRight(parent)
				w = parent.left
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if !isRed(w.left) && !isRed(w.right) {
				w.red = true
				x = parent
				parent = x.parent
				continue
			}
			if !isRed(w.left) {
				if w.right != nil {
					w.right.red = false
				}
				w.red = true
				a.rotateLeft(w)
				w = parent.left
			}
			w.red = parent.red
			parent.red = false
			if w.left != nil {
				w.left.red = false
			}
			a.rotateRight(parent)
			x = a.root
			parent = nil
		}
	}
	if x != nil {
		x.red = false
	}
}
